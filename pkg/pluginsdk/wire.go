// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugrun Contributors

package pluginsdk

import (
	"context"

	"github.com/samber/oops"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// The module service is described with protobuf well-known types so that
// host and plugin share no generated code.
const (
	moduleServiceName = "plugrun.module.v1.Module"

	methodDescribe    = "/" + moduleServiceName + "/Describe"
	methodInstantiate = "/" + moduleServiceName + "/Instantiate"
	methodInvoke      = "/" + moduleServiceName + "/Invoke"
	methodRelease     = "/" + moduleServiceName + "/Release"
)

// Hook names one step of the execution sequence.
type Hook string

// Hooks understood by Invoke.
const (
	HookLoad    Hook = "load"
	HookExecute Hook = "execute"
	HookUnload  Hook = "unload"
	HookError   Hook = "error"
)

// Instance identifies a module instance living inside a plugin process.
type Instance struct {
	ID        string
	Lifecycle bool
}

// Invocation is one hook call on a remote module instance.
type Invocation struct {
	Instance  string
	Hook      Hook
	Error     string
	Metadata  Metadata
	Request   Request
	Config    map[string]string
	Resources map[string]string
}

// ModuleClient is the host-side view of a plugin process.
type ModuleClient interface {
	Describe(ctx context.Context) (Metadata, error)
	Instantiate(ctx context.Context) (Instance, error)
	// Invoke runs a hook and returns the output the module recorded.
	Invoke(ctx context.Context, inv Invocation) (string, error)
	Release(ctx context.Context, instance string) error
}

// ModuleServer is the gRPC service implemented by a plugin process.
type ModuleServer interface {
	Describe(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Instantiate(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Invoke(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Release(context.Context, *structpb.Struct) (*emptypb.Empty, error)
}

// RegisterModuleServer registers srv on s.
func RegisterModuleServer(s grpc.ServiceRegistrar, srv ModuleServer) {
	s.RegisterService(&moduleServiceDesc, srv)
}

var moduleServiceDesc = grpc.ServiceDesc{
	ServiceName: moduleServiceName,
	HandlerType: (*ModuleServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Describe", Handler: describeHandler},
		{MethodName: "Instantiate", Handler: instantiateHandler},
		{MethodName: "Invoke", Handler: invokeHandler},
		{MethodName: "Release", Handler: releaseHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "plugrun/module/v1/module.proto",
}

func describeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ModuleServer).Describe(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodDescribe}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(ModuleServer).Describe(ctx, req.(*emptypb.Empty))
	})
}

func instantiateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ModuleServer).Instantiate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodInstantiate}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(ModuleServer).Instantiate(ctx, req.(*emptypb.Empty))
	})
}

func invokeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ModuleServer).Invoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodInvoke}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(ModuleServer).Invoke(ctx, req.(*structpb.Struct))
	})
}

func releaseHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ModuleServer).Release(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodRelease}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(ModuleServer).Release(ctx, req.(*structpb.Struct))
	})
}

// grpcModuleClient implements ModuleClient over a gRPC connection.
type grpcModuleClient struct {
	cc grpc.ClientConnInterface
}

// NewModuleClient returns a ModuleClient speaking to the plugin behind cc.
func NewModuleClient(cc grpc.ClientConnInterface) ModuleClient {
	return &grpcModuleClient{cc: cc}
}

func (c *grpcModuleClient) Describe(ctx context.Context) (Metadata, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodDescribe, &emptypb.Empty{}, out); err != nil {
		return Metadata{}, oops.In("pluginsdk").With("method", "Describe").Wrap(err)
	}
	return decodeMetadata(out), nil
}

func (c *grpcModuleClient) Instantiate(ctx context.Context) (Instance, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodInstantiate, &emptypb.Empty{}, out); err != nil {
		return Instance{}, oops.In("pluginsdk").With("method", "Instantiate").Wrap(err)
	}
	return Instance{
		ID:        stringField(out, "instance"),
		Lifecycle: out.GetFields()["lifecycle"].GetBoolValue(),
	}, nil
}

func (c *grpcModuleClient) Invoke(ctx context.Context, inv Invocation) (string, error) {
	in, err := EncodeInvocation(inv)
	if err != nil {
		return "", err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodInvoke, in, out); err != nil {
		return "", oops.In("pluginsdk").With("method", "Invoke").With("hook", string(inv.Hook)).Wrap(err)
	}
	return stringField(out, "output"), nil
}

func (c *grpcModuleClient) Release(ctx context.Context, instance string) error {
	in, err := structpb.NewStruct(map[string]any{"instance": instance})
	if err != nil {
		return oops.In("pluginsdk").Wrap(err)
	}
	if err := c.cc.Invoke(ctx, methodRelease, in, &emptypb.Empty{}); err != nil {
		return oops.In("pluginsdk").With("method", "Release").Wrap(err)
	}
	return nil
}

// EncodeInvocation converts inv to its wire form.
func EncodeInvocation(inv Invocation) (*structpb.Struct, error) {
	props := make([]any, 0, inv.Request.Properties.Len())
	for k, v := range inv.Request.Properties.All() {
		props = append(props, map[string]any{"key": k, "value": v})
	}
	s, err := structpb.NewStruct(map[string]any{
		"instance": inv.Instance,
		"hook":     string(inv.Hook),
		"error":    inv.Error,
		"metadata": encodeMetadata(inv.Metadata),
		"request": map[string]any{
			"correlation_id": inv.Request.CorrelationID,
			"tags":           stringsToList(inv.Request.Tags),
			"version":        inv.Request.Version,
			"properties":     props,
		},
		"config":    stringMapToAny(inv.Config),
		"resources": stringMapToAny(inv.Resources),
	})
	if err != nil {
		return nil, oops.In("pluginsdk").With("hook", string(inv.Hook)).Wrap(err)
	}
	return s, nil
}

// DecodeInvocation is the inverse of EncodeInvocation.
func DecodeInvocation(s *structpb.Struct) Invocation {
	req := s.GetFields()["request"].GetStructValue()
	var props *Properties
	if list := req.GetFields()["properties"].GetListValue().GetValues(); len(list) > 0 {
		props = &Properties{}
		for _, v := range list {
			kv := v.GetStructValue()
			props.Set(stringField(kv, "key"), stringField(kv, "value"))
		}
	}
	return Invocation{
		Instance: stringField(s, "instance"),
		Hook:     Hook(stringField(s, "hook")),
		Error:    stringField(s, "error"),
		Metadata: decodeMetadata(s.GetFields()["metadata"].GetStructValue()),
		Request: Request{
			CorrelationID: stringField(req, "correlation_id"),
			Tags:          listToStrings(req.GetFields()["tags"]),
			Version:       stringField(req, "version"),
			Properties:    props,
		},
		Config:    structToStringMap(s.GetFields()["config"].GetStructValue()),
		Resources: structToStringMap(s.GetFields()["resources"].GetStructValue()),
	}
}

func encodeMetadata(m Metadata) map[string]any {
	return map[string]any{
		"name":        m.Name,
		"version":     m.Version,
		"author":      m.Author,
		"description": m.Description,
		"tags":        stringsToList(m.Tags),
	}
}

func decodeMetadata(s *structpb.Struct) Metadata {
	return Metadata{
		Name:        stringField(s, "name"),
		Version:     stringField(s, "version"),
		Author:      stringField(s, "author"),
		Description: stringField(s, "description"),
		Tags:        listToStrings(s.GetFields()["tags"]),
	}
}

func stringField(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

// structpb.NewStruct only accepts []any, not []string.
func stringsToList(in []string) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

func listToStrings(v *structpb.Value) []string {
	values := v.GetListValue().GetValues()
	if len(values) == 0 {
		return nil
	}
	out := make([]string, len(values))
	for i, item := range values {
		out[i] = item.GetStringValue()
	}
	return out
}

func stringMapToAny(in map[string]string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func structToStringMap(s *structpb.Struct) map[string]string {
	fields := s.GetFields()
	if len(fields) == 0 {
		return nil
	}
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = v.GetStringValue()
	}
	return out
}
