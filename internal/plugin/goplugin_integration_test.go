// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugrun Contributors

//go:build integration

package plugin_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/hashicorp/go-hclog"
	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/plugrun/plugrun/internal/execlog"
	"github.com/plugrun/plugrun/internal/plugin"
	"github.com/plugrun/plugrun/internal/plugin/goplugin"
	"github.com/plugrun/plugrun/pkg/pluginsdk"
)

var _ = Describe("go-plugin executables", Ordered, func() {
	var (
		root    string
		manager *plugin.Manager
		sink    *execlog.MemorySink
		ctx     context.Context
	)

	BeforeAll(func() {
		ctx = context.Background()
		root = GinkgoT().TempDir()
		src, err := filepath.Abs(filepath.Join("..", "..", "plugins", "echo"))
		Expect(err).NotTo(HaveOccurred())

		dir := filepath.Join(root, "echo")
		Expect(os.MkdirAll(dir, 0o750)).To(Succeed())
		build := exec.Command("go", "build", "-o", filepath.Join(dir, "echo"), ".")
		build.Dir = src
		out, err := build.CombinedOutput()
		Expect(err).NotTo(HaveOccurred(), string(out))

		manifest, err := os.ReadFile(filepath.Join(src, plugin.ManifestFileName))
		Expect(err).NotTo(HaveOccurred())
		Expect(os.WriteFile(filepath.Join(dir, plugin.ManifestFileName), manifest, 0o600)).To(Succeed())

		sink = execlog.NewMemorySink(20)
		manager = plugin.NewManager(plugin.RuntimeConfig{PluginRoot: root},
			plugin.WithDefaultLoader(goplugin.NewLoader(
				goplugin.WithClientFactory(&goplugin.DefaultClientFactory{Logger: hclog.NewNullLogger()}),
			)),
			plugin.WithConfig(plugin.StaticConfiguration{"echo": {"prefix": "> "}}),
			plugin.WithLogSink(sink),
		)
		Expect(manager.Initialize(ctx)).To(Succeed())
		DeferCleanup(func() {
			Expect(manager.Close(context.Background())).To(Succeed())
		})
	})

	It("loads the executable with its manifest", func() {
		d, ok := manager.Descriptor("echo@1.0.0")
		Expect(ok).To(BeTrue())
		Expect(d.Metadata.Tags).To(ContainElement("sample"))
		Expect(d.Manifest).NotTo(BeNil())
		Expect(d.Manifest.PackageID).To(Equal("plugrun.samples.echo"))
	})

	It("executes in the child process with settings", func() {
		res, err := manager.Execute(ctx, "echo@1.0.0", pluginsdk.Request{
			CorrelationID: "corr-1",
			Properties:    pluginsdk.NewProperties("payload", "ping"),
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Succeeded).To(BeTrue(), res.Error())
		Expect(res.Payload).To(Equal("> ping"))
	})

	It("reports module failures as a faulted result", func() {
		res, err := manager.Execute(ctx, "echo@1.0.0", pluginsdk.Request{
			Properties: pluginsdk.NewProperties("payload", "fail"),
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Succeeded).To(BeFalse())
		Expect(res.Error()).To(ContainSubstring("failure requested"))
	})

	It("records every execution", func() {
		records, err := sink.Recent(ctx, 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(records).To(HaveLen(2))
		Expect(records[0].Status).To(Equal(execlog.StatusFaulted))
		Expect(records[1].Status).To(Equal(execlog.StatusCompleted))
		Expect(records[1].CorrelationID).To(Equal("corr-1"))
	})

	It("reloads the process", func() {
		Expect(manager.Reload(ctx, "echo@1.0.0")).To(Succeed())
		res, err := manager.Execute(ctx, "echo@1.0.0", pluginsdk.Request{
			Properties: pluginsdk.NewProperties("payload", "again"),
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Payload).To(Equal("> again"))
	})
})
