package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	_ "gocloud.dev/pubsub/mempubsub"

	"github.com/hanpama/lazygraph/internal/binding"
	"github.com/hanpama/lazygraph/internal/eventbus"
	"github.com/hanpama/lazygraph/internal/grpcsource"
	"github.com/hanpama/lazygraph/internal/grpctp"
	"github.com/hanpama/lazygraph/internal/language"
	"github.com/hanpama/lazygraph/internal/loaderproto"
	"github.com/hanpama/lazygraph/internal/otel"
	"github.com/hanpama/lazygraph/internal/resolve"
	"github.com/hanpama/lazygraph/internal/server"
	"github.com/hanpama/lazygraph/internal/subscription"
)

const rootUsage = `lazygraph — batched GraphQL resolution gateway

USAGE:
  lazygraph <command> [flags]

COMMANDS:
  serve            Run the HTTP GraphQL gateway
  protos           Generate loader-service .proto files from the schema
  help             Show help for any command
`

const serveUsage = `serve FLAGS:
  -graphql.schema <file>              SDL schema file with @load directives
                                      (required unless -demo)
  -demo                               Serve the built-in menu demo backend
  -server.addr <addr>                 HTTP listen address (default: :8080)
  -server.pretty                      Pretty-print JSON responses
  -server.timeout <duration>          Per-request timeout (default: 30s)
  -server.max-body <bytes>            Request body limit (default: 1048576)
  -server.cors <origin>               Allowed CORS origin. Repeatable
  -server.metadata-header <name>      Forward HTTP header to loader metadata. Repeatable
  -transport.backend <src=host:port>  Map loader source to endpoint. Repeatable;
                                      wildcard form: -transport.backend *=host:port
  -transport.max-conns-per-endpoint N Max TCP conns per endpoint (default: 2)
  -transport.rpc-timeout <duration>   Loader RPC timeout (default: 3s)
  -subscription.bus <url>             Pub/sub URL prefix for topics (default: mem://)
  -otel.endpoint <addr>               OTLP collector endpoint
  -otel.service <name>                OpenTelemetry service name (default: lazygraph)
`

const protosUsage = `protos FLAGS:
  -graphql.schema <file>  SDL schema file with @load directives (required)
  -out <dir>              Output directory for generated .proto files (required)
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, rootUsage)
		return fmt.Errorf("missing command")
	}

	cmd := args[0]
	cmdArgs := args[1:]
	switch cmd {
	case "serve":
		return cmdServe(cmdArgs)
	case "protos":
		return cmdProtos(cmdArgs)
	case "help":
		return cmdHelp(cmdArgs)
	default:
		fmt.Fprint(os.Stderr, rootUsage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdHelp(args []string) error {
	if len(args) == 0 {
		fmt.Print(rootUsage)
		return nil
	}
	switch args[0] {
	case "serve":
		fmt.Print(serveUsage)
	case "protos":
		fmt.Print(protosUsage)
	default:
		return fmt.Errorf("unknown help topic %q", args[0])
	}
	return nil
}

type backendFlag struct {
	m map[string][]string
}

func (b *backendFlag) String() string { return "" }

func (b *backendFlag) Set(v string) error {
	parts := strings.SplitN(v, "=", 2)
	if len(parts) != 2 {
		return fmt.Errorf("invalid backend %q", v)
	}
	src := strings.TrimSpace(parts[0])
	ep := strings.TrimSpace(parts[1])
	if src == "" || ep == "" {
		return fmt.Errorf("invalid backend %q", v)
	}
	if b.m == nil {
		b.m = map[string][]string{}
	}
	b.m[src] = append(b.m[src], ep)
	return nil
}

type stringListFlag []string

func (s *stringListFlag) String() string { return "" }

func (s *stringListFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func cmdServe(args []string) error {
	schemaFile := ""
	demo := false
	addr := ":8080"
	pretty := false
	timeout := 30 * time.Second
	maxBody := int64(1 << 20)
	maxConns := 2
	rpcTimeout := 3 * time.Second
	busURL := "mem://"
	otelEndpoint := ""
	otelService := "lazygraph"
	var corsOrigins, metadataHeaders stringListFlag
	var bf backendFlag

	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&schemaFile, "graphql.schema", schemaFile, "SDL schema file")
	fs.BoolVar(&demo, "demo", demo, "Serve the built-in menu demo backend")
	fs.StringVar(&addr, "server.addr", addr, "HTTP listen address")
	fs.BoolVar(&pretty, "server.pretty", pretty, "Pretty-print JSON responses")
	fs.DurationVar(&timeout, "server.timeout", timeout, "Per-request timeout")
	fs.Int64Var(&maxBody, "server.max-body", maxBody, "Request body limit")
	fs.Var(&corsOrigins, "server.cors", "Allowed CORS origin")
	fs.Var(&metadataHeaders, "server.metadata-header", "Forward HTTP header to loader metadata")
	fs.Var(&bf, "transport.backend", "Map loader source to endpoint")
	fs.IntVar(&maxConns, "transport.max-conns-per-endpoint", maxConns, "Max conns per endpoint")
	fs.DurationVar(&rpcTimeout, "transport.rpc-timeout", rpcTimeout, "Loader RPC timeout")
	fs.StringVar(&busURL, "subscription.bus", busURL, "Pub/sub URL prefix for topics")
	fs.StringVar(&otelEndpoint, "otel.endpoint", otelEndpoint, "OTLP collector endpoint")
	fs.StringVar(&otelService, "otel.service", otelService, "OpenTelemetry service name")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, serveUsage)
		return err
	}

	eventbus.Use(eventbus.New())
	shutdown, err := otel.Setup(otelEndpoint, otelService)
	if err != nil {
		return fmt.Errorf("otel setup: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	var (
		schema *language.Schema
		engine *resolve.Engine
	)
	if demo {
		schema, engine = demoEngine()
	} else {
		if schemaFile == "" {
			fmt.Fprint(os.Stderr, serveUsage)
			return fmt.Errorf("-graphql.schema or -demo is required")
		}
		schema, engine, err = gatewayEngine(schemaFile, bf.m, maxConns, rpcTimeout)
		if err != nil {
			return err
		}
	}

	router := subscription.NewRouter(engine, subscription.WithBusURL(busURL))
	defer router.Close(context.Background())

	sopts := []server.Option{
		server.WithTimeout(timeout),
		server.WithMaxBodyBytes(maxBody),
	}
	if pretty {
		sopts = append(sopts, server.WithPretty())
	}
	if len(corsOrigins) > 0 {
		sopts = append(sopts, server.WithCORS(corsOrigins...))
	}
	if len(metadataHeaders) > 0 {
		sopts = append(sopts, server.WithMetadataHeaders(metadataHeaders...))
	}

	mux := http.NewServeMux()
	mux.Handle("/", server.New(schema, engine, sopts...))
	mux.Handle("/publish/", publishHandler(router))

	log.Printf("listening on %s", addr)
	return http.ListenAndServe(addr, mux)
}

func cmdProtos(args []string) error {
	schemaFile := ""
	outDir := ""
	fs := flag.NewFlagSet("protos", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&schemaFile, "graphql.schema", schemaFile, "SDL schema file")
	fs.StringVar(&outDir, "out", outDir, "Output directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, protosUsage)
		return err
	}
	if schemaFile == "" || outDir == "" {
		fmt.Fprint(os.Stderr, protosUsage)
		return fmt.Errorf("-graphql.schema and -out are required")
	}

	schema, err := loadSchemaFile(schemaFile)
	if err != nil {
		return err
	}
	_, cfg, err := binding.Bind(schema)
	if err != nil {
		return err
	}
	reg, err := loaderproto.Build(cfg)
	if err != nil {
		return err
	}
	return loaderproto.Render(reg, outDir)
}

// loadSchemaFile reads an SDL file, prepending the @load declaration when
// the schema does not declare it itself.
func loadSchemaFile(path string) (*language.Schema, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	src := string(raw)
	if !strings.Contains(src, "directive @load") {
		src = binding.DirectiveSDL + src
	}
	schema, err := language.LoadSchema(path, src)
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	return schema, nil
}

// gatewayEngine wires the schema's @load bindings onto gRPC loader backends.
func gatewayEngine(schemaFile string, backends map[string][]string, maxConns int, rpcTimeout time.Duration) (*language.Schema, *resolve.Engine, error) {
	schema, err := loadSchemaFile(schemaFile)
	if err != nil {
		return nil, nil, err
	}
	reg, cfg, err := binding.Bind(schema)
	if err != nil {
		return nil, nil, err
	}
	lpReg, err := loaderproto.Build(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("build loader protos: %w", err)
	}

	wildcard := backends["*"]
	providers := map[string][]string{}
	for _, fd := range lpReg.Files() {
		source := strings.TrimSuffix(fd.Path(), ".proto")
		svcs := fd.Services()
		for i := 0; i < svcs.Len(); i++ {
			fn := string(svcs.Get(i).FullName())
			eps := backends[source]
			if len(eps) == 0 {
				eps = wildcard
			}
			if len(eps) == 0 {
				return nil, nil, fmt.Errorf("no backend mapping for loader source %s", source)
			}
			providers[fn] = eps
		}
	}

	trOpts := []grpctp.Option{
		grpctp.WithProvider(grpctp.NewStaticEndpoints(providers)),
		grpctp.WithMaxConnsPerEndpoint(maxConns),
	}
	if rpcTimeout > 0 {
		trOpts = append(trOpts, grpctp.WithRPCTimeout(rpcTimeout))
	}
	transport := grpctp.New(trOpts...)

	engine := resolve.NewEngine(reg)
	if err := grpcsource.New(transport, lpReg).Register(engine); err != nil {
		return nil, nil, err
	}
	return schema, engine, nil
}

// publishHandler accepts POST /publish/<topic> with a JSON body and routes
// the body as a subscription root value.
func publishHandler(router *subscription.Router) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		topic := strings.TrimPrefix(r.URL.Path, "/publish/")
		if topic == "" {
			http.Error(w, "missing topic", http.StatusBadRequest)
			return
		}
		var root any
		if err := json.NewDecoder(r.Body).Decode(&root); err != nil {
			http.Error(w, "invalid JSON", http.StatusBadRequest)
			return
		}
		if err := router.Publish(r.Context(), topic, root); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
}
