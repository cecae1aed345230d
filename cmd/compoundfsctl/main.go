// Command compoundfsctl is a line-protocol demo server for exercising a
// CompoundFs instance over TCP: a bufio line reader per connection
// dispatching into a small page-operation vocabulary.
//
// Commands (newline-delimited, one connection handled per goroutine):
//
//	NEWPAGE                  allocate a page in the current write txn, reply with its id
//	WRITE <id> <text>        write text (padded/truncated to a page) into page id
//	READ <id>                read page id (via a fresh read txn)
//	COMMIT                   commit the current write txn
//	ABORT                    abort the current write txn
//	STAT                     report cache occupancy and file size
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/compoundfs/compoundfs"
	"github.com/compoundfs/compoundfs/internal/pagebuf"
	"github.com/compoundfs/compoundfs/pkg/logger"
	"github.com/compoundfs/compoundfs/pkg/telemetry"
)

var (
	listenAddr     = flag.String("listen", "localhost:9191", "TCP address to listen on")
	dbFile         = flag.String("file", "data/compoundfs.db", "path to the backing file")
	maxPages       = flag.Int("max-pages", 1024, "page cache occupancy bound")
	logLevel       = flag.String("log-level", "info", "zap log level")
	logFormat      = flag.String("log-format", "console", "zap log format (json or console)")
	telemetryOn    = flag.Bool("telemetry", false, "enable OpenTelemetry tracing and Prometheus metrics")
	prometheusPort = flag.Int("prometheus-port", 9464, "port to expose the Prometheus /metrics endpoint on")
	traceSample    = flag.Float64("trace-sample-ratio", 1.0, "fraction of commits to trace")
)

func main() {
	flag.Parse()

	zlog, err := logger.New(logger.Config{Level: *logLevel, Format: *logFormat, OutputFile: "stdout"})
	if err != nil {
		log.Fatalf("FATAL: failed to build logger: %v", err)
	}
	defer zlog.Sync()

	tel, shutdownTelemetry, err := telemetry.New(telemetry.Config{
		Enabled:          *telemetryOn,
		ServiceName:      "compoundfsctl",
		PrometheusPort:   *prometheusPort,
		TraceSampleRatio: *traceSample,
	})
	if err != nil {
		zlog.Fatal("failed to start telemetry", zap.Error(err))
	}
	defer shutdownTelemetry(context.Background())

	opts := compoundfs.Options{MaxPages: *maxPages, Logger: zlog, Tracer: tel.Tracer}
	if *telemetryOn {
		cacheMetrics, err := telemetry.NewCacheMetrics(tel.Meter)
		if err != nil {
			zlog.Fatal("failed to register cache metrics", zap.Error(err))
		}
		commitMetrics, err := telemetry.NewCommitMetrics(tel.Meter)
		if err != nil {
			zlog.Fatal("failed to register commit metrics", zap.Error(err))
		}
		opts.CacheMetrics = cacheMetrics
		opts.CommitMetrics = commitMetrics
	}

	fs, err := compoundfs.Open(*dbFile, opts)
	if err != nil {
		zlog.Fatal("failed to open backing file", zap.Error(err))
	}
	defer fs.Close()

	listener, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		zlog.Fatal("failed to listen", zap.Error(err))
	}
	defer listener.Close()

	zlog.Info("compoundfsctl listening", zap.String("addr", *listenAddr), zap.String("file", *dbFile))

	for {
		conn, err := listener.Accept()
		if err != nil {
			zlog.Error("accept failed", zap.Error(err))
			continue
		}
		go handleConnection(conn, fs, zlog)
	}
}

type session struct {
	fs  *compoundfs.CompoundFs
	txn *compoundfs.WriteTxn
}

func handleConnection(conn net.Conn, fs *compoundfs.CompoundFs, zlog *zap.Logger) {
	defer conn.Close()
	addr := conn.RemoteAddr().String()
	zlog.Info("client connected", zap.String("addr", addr))

	sess := &session{fs: fs}
	defer func() {
		if sess.txn != nil {
			sess.txn.Abort()
		}
	}()

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				zlog.Info("client disconnected", zap.String("addr", addr))
			} else {
				zlog.Error("read failed", zap.String("addr", addr), zap.Error(err))
			}
			return
		}
		reply := sess.handle(strings.TrimSpace(line))
		if _, err := conn.Write([]byte(reply + "\n")); err != nil {
			zlog.Error("write failed", zap.String("addr", addr), zap.Error(err))
			return
		}
	}
}

func (s *session) handle(line string) string {
	if line == "" {
		return "ERROR empty command"
	}
	fields := strings.Fields(line)
	cmd := strings.ToUpper(fields[0])

	switch cmd {
	case "NEWPAGE":
		s.ensureTxn()
		h, err := s.txn.NewPage()
		if err != nil {
			return "ERROR " + err.Error()
		}
		defer h.Release()
		return fmt.Sprintf("OK %d", h.ID())

	case "WRITE":
		if len(fields) < 3 {
			return "ERROR WRITE requires id and text"
		}
		id, err := parseID(fields[1])
		if err != nil {
			return "ERROR " + err.Error()
		}
		s.ensureTxn()
		h, err := s.txn.Repurpose(id)
		if err != nil {
			return "ERROR " + err.Error()
		}
		defer h.Release()
		text := strings.Join(fields[2:], " ")
		n := copy(h.Data(), text)
		clear(h.Data()[n:])
		return "OK"

	case "READ":
		if len(fields) < 2 {
			return "ERROR READ requires id"
		}
		id, err := parseID(fields[1])
		if err != nil {
			return "ERROR " + err.Error()
		}
		rt := s.fs.BeginRead()
		defer rt.End()
		h, err := rt.LoadPage(id)
		if err != nil {
			return "ERROR " + err.Error()
		}
		defer h.Release()
		return "OK " + strings.TrimRight(string(h.Data()), "\x00")

	case "COMMIT":
		if s.txn == nil {
			return "ERROR no transaction in progress"
		}
		report, err := s.txn.Commit(context.Background())
		s.txn = nil
		if err != nil {
			return "ERROR " + err.Error()
		}
		return fmt.Sprintf("OK commit=%s dirty=%d new=%d", report.CommitID, report.DirtyPages, report.NewPages)

	case "ABORT":
		if s.txn == nil {
			return "ERROR no transaction in progress"
		}
		s.txn.Abort()
		s.txn = nil
		return "OK"

	case "STAT":
		resident, size, err := s.fs.Stat()
		if err != nil {
			return "ERROR " + err.Error()
		}
		return fmt.Sprintf("OK resident=%d file_size=%d", resident, size)

	default:
		return "ERROR unknown command: " + cmd
	}
}

func (s *session) ensureTxn() {
	if s.txn == nil {
		s.txn = s.fs.BeginWrite()
	}
}

func parseID(s string) (pagebuf.ID, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid page id %q: %w", s, err)
	}
	return pagebuf.ID(n), nil
}
