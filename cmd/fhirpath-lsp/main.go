// Package main is the command-line front end for the FHIRPath analysis
// client: it checks expression files and queries completions through a
// running analysis service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/atomic-ehr/fhirpath-lsp2/internal/channel"
	"github.com/atomic-ehr/fhirpath-lsp2/internal/config"
	"github.com/atomic-ehr/fhirpath-lsp2/internal/protocol"
	"github.com/atomic-ehr/fhirpath-lsp2/internal/session"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
)

// diagnosticsWait bounds how long check mode waits for the service to
// publish its findings.
const diagnosticsWait = 3 * time.Second

type options struct {
	configPath string
	complete   int
	file       string
}

func main() {
	os.Exit(run())
}

func run() int {
	opts := parseFlags()

	cfg, err := config.LoadOrDefault(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	logger, err := cfg.BuildLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	text, err := os.ReadFile(opts.file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ch, err := openChannel(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	sess := session.New(ch,
		session.WithLogger(logger),
		session.WithRequestTimeout(time.Duration(cfg.Session.RequestTimeout)),
		session.WithDebounceWindow(time.Duration(cfg.Session.DebounceWindow)),
		session.WithHistoryCapacity(cfg.Session.HistoryCapacity),
	)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		sess.Shutdown(shutdownCtx)
	}()

	if err := sess.Initialize(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: initialize: %v\n", err)
		return 1
	}

	uri := session.FileURI(opts.file)
	if err := sess.OpenDocument(uri, "fhirpath", string(text)); err != nil {
		fmt.Fprintf(os.Stderr, "Error: open document: %v\n", err)
		return 1
	}

	failed := false
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if opts.complete >= 0 {
			return printCompletions(ctx, sess, opts.complete)
		}
		var err error
		failed, err = printDiagnostics(ctx, sess, uri)
		return err
	})

	if err := g.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if failed {
		return 1
	}
	return 0
}

// openChannel builds the transport the configuration names.
func openChannel(ctx context.Context, cfg *config.Config, logger *zap.Logger) (channel.Channel, error) {
	switch cfg.Server.Transport {
	case config.TransportSocket:
		return channel.DialSocket(ctx, cfg.Server.URL, logger)
	default:
		return channel.SpawnProcess(ctx, cfg.Server.Command, cfg.Server.Args, logger)
	}
}

// printCompletions invokes completion at the given rune offset and
// prints one suggestion per line.
func printCompletions(ctx context.Context, sess *session.Session, offset int) error {
	res, err := sess.InvokeCompletion(ctx, offset)
	if err != nil {
		return fmt.Errorf("completion: %w", err)
	}
	if res == nil || len(res.Items) == 0 {
		fmt.Println("no completions")
		return nil
	}
	for _, item := range res.Items {
		if item.Detail != "" {
			fmt.Printf("%s\t%s\n", item.Label, item.Detail)
			continue
		}
		fmt.Println(item.Label)
	}
	return nil
}

// printDiagnostics waits for the service to publish findings and prints
// them. Reports whether any errors were found.
func printDiagnostics(ctx context.Context, sess *session.Session, uri protocol.DocumentURI) (bool, error) {
	deadline := time.After(diagnosticsWait)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	var diags []session.OffsetDiagnostic
wait:
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline:
			break wait
		case <-tick.C:
			if diags = sess.Diagnostics(uri); diags != nil {
				break wait
			}
		}
	}

	if len(diags) == 0 {
		fmt.Println("no findings")
		return false, nil
	}
	failed := false
	for _, d := range diags {
		if d.Severity == protocol.SeverityError {
			failed = true
		}
		fmt.Printf("%s [%d:%d] %s\n", severityLabel(d.Severity), d.Start, d.End, d.Message)
	}
	return failed, nil
}

func severityLabel(s protocol.DiagnosticSeverity) string {
	switch s {
	case protocol.SeverityError:
		return "error"
	case protocol.SeverityWarning:
		return "warning"
	case protocol.SeverityInformation:
		return "info"
	default:
		return "hint"
	}
}

func parseFlags() options {
	var opts options
	var showVersion bool

	flag.StringVar(&opts.configPath, "config", "fhirpath-lsp.yaml", "Path to configuration file")
	flag.StringVar(&opts.configPath, "c", "fhirpath-lsp.yaml", "Path to configuration file (shorthand)")
	flag.IntVar(&opts.complete, "complete", -1, "Print completions at this rune offset instead of checking")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "fhirpath-lsp - FHIRPath expression checker and completer\n\n")
		fmt.Fprintf(os.Stderr, "Usage: fhirpath-lsp [options] <expression-file>\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  fhirpath-lsp query.fhirpath               Check an expression file\n")
		fmt.Fprintf(os.Stderr, "  fhirpath-lsp -complete 8 query.fhirpath   Complete at offset 8\n")
	}

	flag.Parse()

	if showVersion {
		fmt.Printf("fhirpath-lsp %s (%s)\n", version, commit)
		os.Exit(0)
	}
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	opts.file = flag.Arg(0)
	return opts
}
