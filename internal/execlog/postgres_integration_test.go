// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugrun Contributors

//go:build integration

package execlog_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/plugrun/plugrun/internal/execlog"
)

// setupPostgresContainer starts PostgreSQL, applies migrations and returns a sink.
func setupPostgresContainer() (*execlog.PostgresSink, func(), error) {
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("plugrun_test"),
		postgres.WithUsername("plugrun"),
		postgres.WithPassword("plugrun"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, nil, err
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return nil, nil, err
	}

	migrator, err := execlog.NewMigrator(connStr)
	if err != nil {
		return nil, nil, err
	}
	if err := migrator.Up(); err != nil {
		return nil, nil, err
	}
	_ = migrator.Close()

	sink, err := execlog.NewPostgresSink(ctx, connStr)
	if err != nil {
		return nil, nil, err
	}

	cleanup := func() {
		sink.Close()
		_ = container.Terminate(ctx)
	}
	return sink, cleanup, nil
}

var _ = Describe("PostgresSink", func() {
	var sink *execlog.PostgresSink
	var cleanup func()

	BeforeEach(func() {
		var err error
		sink, cleanup, err = setupPostgresContainer()
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		cleanup()
	})

	Describe("Insert and Update", func() {
		It("tracks a record from Executing to Completed", func() {
			ctx := context.Background()
			started := time.Now().UTC().Truncate(time.Microsecond)

			rec := execlog.NewRecord("report", "1.0.0", "corr-1", []string{"nightly"}, started)
			Expect(sink.Insert(ctx, rec)).To(Succeed())

			rec.Complete("42 rows", started.Add(time.Second))
			Expect(sink.Update(ctx, rec)).To(Succeed())

			recent, err := sink.Recent(ctx, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(recent).To(HaveLen(1))
			Expect(recent[0].ID).To(Equal(rec.ID))
			Expect(recent[0].Status).To(Equal(execlog.StatusCompleted))
			Expect(recent[0].OutputPayload).To(Equal("42 rows"))
			Expect(recent[0].Tags).To(Equal([]string{"nightly"}))
			Expect(recent[0].CompletedAt).NotTo(BeNil())
		})

		It("stores the failure text of faulted executions", func() {
			ctx := context.Background()
			rec := execlog.NewRecord("report", "1.0.0", "", nil, time.Now())
			Expect(sink.Insert(ctx, rec)).To(Succeed())

			rec.Fault(errors.New("disk full"), time.Now())
			Expect(sink.Update(ctx, rec)).To(Succeed())

			recent, err := sink.Recent(ctx, 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(recent[0].Status).To(Equal(execlog.StatusFaulted))
			Expect(recent[0].Error).To(Equal("disk full"))
		})
	})

	Describe("Recent", func() {
		It("returns newest records first, bounded by limit", func() {
			ctx := context.Background()
			base := time.Now().UTC()
			for i := range 5 {
				rec := execlog.NewRecord("p", "1.0.0", "", nil, base.Add(time.Duration(i)*time.Second))
				Expect(sink.Insert(ctx, rec)).To(Succeed())
			}

			recent, err := sink.Recent(ctx, 3)
			Expect(err).NotTo(HaveOccurred())
			Expect(recent).To(HaveLen(3))
			Expect(recent[0].StartedAt.After(recent[1].StartedAt)).To(BeTrue())
			Expect(recent[1].StartedAt.After(recent[2].StartedAt)).To(BeTrue())
		})
	})
})
