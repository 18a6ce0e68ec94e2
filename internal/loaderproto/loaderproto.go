// Package loaderproto synthesizes protobuf descriptors for bulk loader
// services. Every source becomes one proto file carrying a single gRPC
// service, and every bulk operation becomes a BatchLoad method whose request
// holds one entry per item key in a repeated batches field and whose response
// holds one entry per request entry, positionally aligned.
//
// Descriptors are built at startup with protobuilder, so there is no protoc
// step: the engine and the loader services only need to agree on source and
// operation names. Key field numbers derive from field names via FNV-1a with
// linear probing, so independently generated peers land on the same tags.
package loaderproto

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hanpama/lazygraph/internal/grpcsource"
	"github.com/jhump/protoreflect/v2/protobuilder"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// Kind selects the wire type of an item key or a result payload.
type Kind uint8

const (
	KindString Kind = iota
	KindInt
	KindFloat
	KindBool
	// KindJSON carries a JSON document in a bytes field. grpcsource encodes
	// item keys and decodes payloads of this kind as JSON.
	KindJSON
)

func (k Kind) protoKind() protoreflect.Kind {
	switch k {
	case KindString:
		return protoreflect.StringKind
	case KindInt:
		return protoreflect.Int64Kind
	case KindFloat:
		return protoreflect.DoubleKind
	case KindBool:
		return protoreflect.BoolKind
	case KindJSON:
		return protoreflect.BytesKind
	}
	panic(fmt.Sprintf("loaderproto: unknown kind %d", k))
}

// Config describes every loader source the engine will call.
type Config struct {
	// Package is the proto package of all generated files. Defaults to
	// "lazygraph".
	Package string
	Sources []Source
}

// Source is one loader service: a backend that owns a set of bulk operations.
type Source struct {
	Name string
	Ops  []Op
}

// Op is one bulk operation on a source.
type Op struct {
	Name string
	// Doc becomes the leading comment on the generated method.
	Doc string
	// Key is the wire kind of each item key.
	Key Kind
	// Result is the wire kind of each per-item payload.
	Result Kind
	// RepeatedResult marks the payload as a list of Result entries.
	RepeatedResult bool
}

// Registry holds the built descriptors, keyed by (source, op).
type Registry struct {
	files   []protoreflect.FileDescriptor
	methods map[[2]string]protoreflect.MethodDescriptor
}

var _ grpcsource.Registry = (*Registry)(nil)

// Files returns the generated file descriptors in config order.
func (r *Registry) Files() []protoreflect.FileDescriptor { return r.files }

// Method returns the batch-load method descriptor for (source, op), or nil
// when the config never declared it.
func (r *Registry) Method(source, op string) protoreflect.MethodDescriptor {
	return r.methods[[2]string{source, op}]
}

// Ops returns every (source, op) pair in the registry, sorted.
func (r *Registry) Ops() [][2]string {
	out := make([][2]string, 0, len(r.methods))
	for k := range r.methods {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i][0] != out[j][0] {
			return out[i][0] < out[j][0]
		}
		return out[i][1] < out[j][1]
	})
	return out
}

// Build turns the config into file descriptors and a method registry.
func Build(cfg Config) (*Registry, error) {
	pkg := cfg.Package
	if pkg == "" {
		pkg = "lazygraph"
	}
	reg := &Registry{methods: make(map[[2]string]protoreflect.MethodDescriptor)}

	seen := make(map[string]bool, len(cfg.Sources))
	for _, src := range cfg.Sources {
		if src.Name == "" {
			return nil, fmt.Errorf("loaderproto: source with empty name")
		}
		if seen[src.Name] {
			return nil, fmt.Errorf("loaderproto: duplicate source %s", src.Name)
		}
		seen[src.Name] = true

		fb := protobuilder.NewFile(src.Name + ".proto")
		fb.SetPackageName(protoreflect.FullName(pkg))
		fb.SetSyntax(protoreflect.Proto3)
		sb := protobuilder.NewService(nameService(src.Name))
		fb.AddService(sb)

		// method name -> op name, for mapping built descriptors back
		methodOps := make(map[string]string, len(src.Ops))
		for _, op := range src.Ops {
			if op.Name == "" {
				return nil, fmt.Errorf("loaderproto: source %s declares an op with empty name", src.Name)
			}
			mName := nameBatchMethod(op.Name)
			if prev, ok := methodOps[string(mName)]; ok {
				return nil, fmt.Errorf("loaderproto: ops %s and %s of source %s collide on method %s", prev, op.Name, src.Name, mName)
			}
			methodOps[string(mName)] = op.Name

			entryReq := buildEntryRequest(op)
			entryResp := buildEntryResponse(op)
			batchReq := buildBatchEnvelope(nameBatchRequest(op.Name), entryReq)
			batchResp := buildBatchEnvelope(nameBatchResponse(op.Name), entryResp)

			mb := protobuilder.NewMethod(
				mName,
				protobuilder.RpcTypeMessage(batchReq, false),
				protobuilder.RpcTypeMessage(batchResp, false),
			)
			mb.SetComments(comment(op.Doc))

			fb.AddMessage(entryReq)
			fb.AddMessage(entryResp)
			fb.AddMessage(batchReq)
			fb.AddMessage(batchResp)
			sb.AddMethod(mb)
		}

		fd, err := fb.Build()
		if err != nil {
			return nil, fmt.Errorf("loaderproto: build %s: %w", src.Name, err)
		}
		reg.files = append(reg.files, fd)

		svcs := fd.Services()
		for i := 0; i < svcs.Len(); i++ {
			methods := svcs.Get(i).Methods()
			for j := 0; j < methods.Len(); j++ {
				md := methods.Get(j)
				reg.methods[[2]string{src.Name, methodOps[string(md.Name())]}] = md
			}
		}
	}
	return reg, nil
}

const (
	keyFieldName     = protoreflect.Name("key")
	dataFieldName    = protoreflect.Name("data")
	batchesFieldName = protoreflect.Name("batches")
)

func buildEntryRequest(op Op) *protobuilder.MessageBuilder {
	mb := protobuilder.NewMessage(nameEntryRequest(op.Name))
	fb := protobuilder.NewField(keyFieldName, protobuilder.FieldTypeScalar(op.Key.protoKind()))
	mb.AddField(fb)
	allocateFieldNumbers([]*protobuilder.FieldBuilder{fb})
	return mb
}

func buildEntryResponse(op Op) *protobuilder.MessageBuilder {
	mb := protobuilder.NewMessage(nameEntryResponse(op.Name))
	fb := protobuilder.NewField(dataFieldName, protobuilder.FieldTypeScalar(op.Result.protoKind()))
	fb.SetNumber(protoreflect.FieldNumber(1))
	if op.RepeatedResult {
		fb.SetRepeated()
	} else {
		// explicit presence: an unset data field means the item was not found
		fb.SetOptional()
		fb.SetProto3Optional(true)
	}
	mb.AddField(fb)
	return mb
}

func buildBatchEnvelope(name protoreflect.Name, entry *protobuilder.MessageBuilder) *protobuilder.MessageBuilder {
	mb := protobuilder.NewMessage(name)
	fb := protobuilder.NewField(batchesFieldName, protobuilder.FieldTypeMessage(entry))
	fb.SetNumber(protoreflect.FieldNumber(1))
	fb.SetRepeated()
	mb.AddField(fb)
	return mb
}

func nameService(source string) protoreflect.Name {
	return protoreflect.Name(capitalize(source) + "Service")
}

func nameBatchMethod(op string) protoreflect.Name {
	return protoreflect.Name("BatchLoad" + capitalize(op))
}

func nameEntryRequest(op string) protoreflect.Name {
	return protoreflect.Name("Load" + capitalize(op) + "Request")
}

func nameEntryResponse(op string) protoreflect.Name {
	return protoreflect.Name("Load" + capitalize(op) + "Response")
}

func nameBatchRequest(op string) protoreflect.Name {
	return protoreflect.Name(string(nameBatchMethod(op)) + "Request")
}

func nameBatchResponse(op string) protoreflect.Name {
	return protoreflect.Name(string(nameBatchMethod(op)) + "Response")
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func comment(doc string) protobuilder.Comments {
	if doc == "" {
		return protobuilder.Comments{}
	}
	lines := strings.Split(doc, "\n")
	for i, line := range lines {
		lines[i] = " " + line
	}
	return protobuilder.Comments{LeadingComment: strings.Join(lines, "\n") + "\n"}
}
