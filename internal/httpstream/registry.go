package httpstream

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/bufbuild/protocompile"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/dynamicpb"
)

// MessageRegistry maps service/method to protobuf message types.
type MessageRegistry struct {
	mu        sync.RWMutex
	requests  map[string]protoreflect.MessageType // "service/method" -> request type
	responses map[string]protoreflect.MessageType // "service/method" -> response type
}

// NewMessageRegistry creates a new message registry.
func NewMessageRegistry() *MessageRegistry {
	return &MessageRegistry{
		requests:  make(map[string]protoreflect.MessageType),
		responses: make(map[string]protoreflect.MessageType),
	}
}

// Register registers request and response types for a method.
func (r *MessageRegistry) Register(service, method string, reqType, respType protoreflect.MessageType) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := service + "/" + method
	if reqType != nil {
		r.requests[key] = reqType
	}
	if respType != nil {
		r.responses[key] = respType
	}
}

// RegisterByName registers types linked into the binary by their full name.
func (r *MessageRegistry) RegisterByName(service, method, reqTypeName, respTypeName string) error {
	var reqType, respType protoreflect.MessageType
	if reqTypeName != "" {
		mt, err := protoregistry.GlobalTypes.FindMessageByName(protoreflect.FullName(reqTypeName))
		if err != nil {
			return errors.Wrapf(err, "request type %s", reqTypeName)
		}
		reqType = mt
	}
	if respTypeName != "" {
		mt, err := protoregistry.GlobalTypes.FindMessageByName(protoreflect.FullName(respTypeName))
		if err != nil {
			return errors.Wrapf(err, "response type %s", respTypeName)
		}
		respType = mt
	}
	r.Register(service, method, reqType, respType)
	return nil
}

// RegisterService registers every method of a service descriptor. Message
// types are built dynamically, so descriptors compiled at runtime work.
func (r *MessageRegistry) RegisterService(sd protoreflect.ServiceDescriptor) {
	methods := sd.Methods()
	for i := 0; i < methods.Len(); i++ {
		md := methods.Get(i)
		r.Register(string(sd.FullName()), string(md.Name()),
			dynamicpb.NewMessageType(md.Input()),
			dynamicpb.NewMessageType(md.Output()))
	}
}

// GetRequestType returns the request message type for a method.
func (r *MessageRegistry) GetRequestType(service, method string) protoreflect.MessageType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.requests[service+"/"+method]
}

// GetResponseType returns the response message type for a method.
func (r *MessageRegistry) GetResponseType(service, method string) protoreflect.MessageType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.responses[service+"/"+method]
}

// Len returns the number of methods with at least one known type.
func (r *MessageRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := len(r.requests)
	for k := range r.responses {
		if _, ok := r.requests[k]; !ok {
			n++
		}
	}
	return n
}

// Methods lists the registered "service/method" keys with their request
// and response type names, sorted by key.
func (r *MessageRegistry) Methods() []MethodInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make(map[string]struct{}, len(r.requests))
	for k := range r.requests {
		keys[k] = struct{}{}
	}
	for k := range r.responses {
		keys[k] = struct{}{}
	}

	out := make([]MethodInfo, 0, len(keys))
	for k := range keys {
		info := MethodInfo{Method: k}
		if mt := r.requests[k]; mt != nil {
			info.Request = string(mt.Descriptor().FullName())
		}
		if mt := r.responses[k]; mt != nil {
			info.Response = string(mt.Descriptor().FullName())
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Method < out[j].Method })
	return out
}

// MethodInfo describes one registered method.
type MethodInfo struct {
	Method   string `json:"method"`
	Request  string `json:"request,omitempty"`
	Response string `json:"response,omitempty"`
}

// LoadProtoFiles compiles .proto sources and registers every service they
// declare. Imports are resolved against importPaths and the standard
// google/protobuf files.
func LoadProtoFiles(ctx context.Context, importPaths []string, files ...string) (*MessageRegistry, error) {
	compiler := protocompile.Compiler{
		Resolver: protocompile.WithStandardImports(&protocompile.SourceResolver{
			ImportPaths: importPaths,
		}),
	}
	compiled, err := compiler.Compile(ctx, files...)
	if err != nil {
		return nil, errors.Wrap(err, "compile proto files")
	}

	r := NewMessageRegistry()
	for _, fd := range compiled {
		services := fd.Services()
		for i := 0; i < services.Len(); i++ {
			r.RegisterService(services.Get(i))
		}
	}
	return r, nil
}

// TryParseFromGlobalRegistry looks a method up among the types linked into
// the binary: first through its service descriptor, then by the usual
// Request/Response naming.
func (r *MessageRegistry) TryParseFromGlobalRegistry(service, method string) bool {
	if sd, err := protoregistry.GlobalFiles.FindDescriptorByName(protoreflect.FullName(service)); err == nil {
		if svc, ok := sd.(protoreflect.ServiceDescriptor); ok {
			if md := svc.Methods().ByName(protoreflect.Name(method)); md != nil {
				reqType, _ := protoregistry.GlobalTypes.FindMessageByName(md.Input().FullName())
				respType, _ := protoregistry.GlobalTypes.FindMessageByName(md.Output().FullName())
				r.Register(service, method, reqType, respType)
				return reqType != nil || respType != nil
			}
		}
	}

	lastDot := strings.LastIndex(service, ".")
	if lastDot == -1 {
		return false
	}
	pkg := service[:lastDot]

	patterns := []struct {
		reqSuffix  string
		respSuffix string
	}{
		{"Request", "Response"},
		{"Req", "Resp"},
		{"", "Response"},
	}
	for _, p := range patterns {
		reqType, reqErr := protoregistry.GlobalTypes.FindMessageByName(protoreflect.FullName(pkg + "." + method + p.reqSuffix))
		respType, respErr := protoregistry.GlobalTypes.FindMessageByName(protoreflect.FullName(pkg + "." + method + p.respSuffix))
		if reqErr == nil || respErr == nil {
			r.Register(service, method, reqType, respType)
			return true
		}
	}
	return false
}
