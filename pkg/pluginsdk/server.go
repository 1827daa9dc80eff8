// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugrun Contributors

package pluginsdk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// moduleServer implements ModuleServer inside the plugin process.
type moduleServer struct {
	metadata Metadata
	factory  func() Module
	logger   *slog.Logger

	mu        sync.Mutex
	instances map[string]Module
}

// NewModuleServer returns a ModuleServer serving modules built by factory.
// Exposed so hosts and tests can serve modules without a child process.
func NewModuleServer(metadata Metadata, factory func() Module, logger *slog.Logger) ModuleServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &moduleServer{
		metadata:  metadata,
		factory:   factory,
		logger:    logger,
		instances: make(map[string]Module),
	}
}

func (s *moduleServer) Describe(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(encodeMetadata(s.metadata))
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func (s *moduleServer) Instantiate(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	mod := s.factory()
	if mod == nil {
		return nil, status.Error(codes.FailedPrecondition, "plugin factory returned no module")
	}
	id := ulid.Make().String()
	s.mu.Lock()
	s.instances[id] = mod
	s.mu.Unlock()

	_, lifecycle := mod.(Lifecycle)
	out, err := structpb.NewStruct(map[string]any{"instance": id, "lifecycle": lifecycle})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func (s *moduleServer) Invoke(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	inv := DecodeInvocation(in)

	s.mu.Lock()
	mod, ok := s.instances[inv.Instance]
	s.mu.Unlock()
	if !ok {
		return nil, status.Errorf(codes.NotFound, "unknown instance %q", inv.Instance)
	}

	pc := NewContext(ContextConfig{
		Logger:    s.logger.With("plugin", inv.Metadata.Name, "hook", string(inv.Hook)),
		Metadata:  inv.Metadata,
		Request:   inv.Request,
		Config:    inv.Config,
		Resources: inv.Resources,
	})

	if err := runHook(ctx, mod, inv, pc); err != nil {
		return nil, status.Error(codes.Unknown, err.Error())
	}

	out, err := structpb.NewStruct(map[string]any{"output": pc.Output()})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func (s *moduleServer) Release(_ context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	id := stringField(in, "instance")
	s.mu.Lock()
	delete(s.instances, id)
	s.mu.Unlock()
	return &emptypb.Empty{}, nil
}

// runHook dispatches one hook and turns panics into errors.
func runHook(ctx context.Context, mod Module, inv Invocation, pc *Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = oops.In("pluginsdk").
				With("hook", string(inv.Hook)).
				With("stack", string(debug.Stack())).
				Errorf("panic: %v", r)
		}
	}()

	if inv.Hook == HookExecute {
		return mod.Execute(ctx, pc)
	}

	lc, ok := mod.(Lifecycle)
	if !ok {
		return fmt.Errorf("module does not implement lifecycle hook %q", inv.Hook)
	}
	switch inv.Hook {
	case HookLoad:
		return lc.OnLoad(ctx, pc)
	case HookUnload:
		return lc.OnUnload(ctx, pc)
	case HookError:
		return lc.OnError(ctx, pc, errors.New(inv.Error))
	default:
		return fmt.Errorf("unknown hook %q", inv.Hook)
	}
}
