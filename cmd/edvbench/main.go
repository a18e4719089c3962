// Command edvbench exercises the document engine end-to-end against the
// in-memory transport: inserts, concurrent updates, and a stream round-trip,
// reporting latencies and serving /metrics while it runs.
package main

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/edv-client/internal/audit"
	"github.com/kenneth/edv-client/internal/blindindex"
	"github.com/kenneth/edv-client/internal/cipher"
	"github.com/kenneth/edv-client/internal/cryptoutil"
	"github.com/kenneth/edv-client/internal/debug"
	"github.com/kenneth/edv-client/internal/document"
	"github.com/kenneth/edv-client/internal/metrics"
	"github.com/kenneth/edv-client/internal/telemetry"
	"github.com/kenneth/edv-client/internal/transport/memtransport"
	"github.com/kenneth/edv-client/pkg/edverrors"
)

func main() {
	var (
		suite       = flag.String("suite", "recommended", "Cipher suite: recommended or fips")
		documents   = flag.Int("documents", 200, "Number of documents to insert")
		updaters    = flag.Int("updaters", 4, "Concurrent goroutines racing updates on one document")
		streamBytes = flag.Int64("stream-bytes", 4*1024*1024, "Size of the stream round-trip demo payload")
		chunkSize   = flag.Int("chunk-size", 64*1024, "Stream chunk size in bytes")
		metricsAddr = flag.String("metrics-addr", ":9464", "Address to serve /metrics on")
		verbose     = flag.Bool("verbose", false, "Enable debug logging")
	)
	flag.Parse()

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}
	// --verbose turns debug output on; without it, debug output stays on if
	// the DEBUG/LOG_LEVEL env vars already enabled it.
	debug.SetEnabled(*verbose || debug.Enabled())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, shutdownTracer, err := telemetry.NewStdoutTracerProvider(telemetry.Config{
		ServiceName: "edvbench",
		PrettyPrint: *verbose,
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to start tracer provider")
	}
	defer shutdownTracer(context.Background())

	m := metrics.NewMetrics()
	m.StartSystemMetricsCollector(ctx, 5*time.Second)
	m.SetHardwareAccelerationStatus("aes-ni", cryptoutil.HasAESHardwareSupport())

	metrics.SetVersion("dev")

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.Handle("/healthz", metrics.HealthHandler())
	mux.Handle("/readyz", metrics.ReadinessHandler(nil))
	mux.Handle("/livez", metrics.LivenessHandler())
	server := &http.Server{Addr: *metricsAddr, Handler: mux}
	go func() {
		logger.WithField("addr", *metricsAddr).Info("serving metrics")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("metrics server stopped")
		}
	}()
	defer server.Shutdown(context.Background())

	suiteValue := cipher.SuiteRecommended
	var ecdhCurve ecdh.Curve = ecdh.X25519()
	if *suite == string(cipher.SuiteFIPS) {
		suiteValue = cipher.SuiteFIPS
		ecdhCurve = ecdh.P256()
	}

	priv, err := ecdhCurve.GenerateKey(rand.Reader)
	if err != nil {
		logger.WithError(err).Fatal("failed to generate recipient key")
	}
	kak := &benchKAK{id: "bench-recipient", curve: ecdhCurve, priv: priv}
	recipientPub := priv.PublicKey().Bytes()
	resolve := func(_ context.Context, kid string) ([]byte, error) {
		if kid != kak.ID() {
			return nil, edverrors.New(edverrors.KindInvalidArgument, "unknown recipient "+kid, nil)
		}
		return recipientPub, nil
	}

	signer := &benchSigner{id: "bench-hmac"}
	decls := blindindex.Declarations{
		Simple: []blindindex.SimpleIndexDecl{{Path: "content.email", Unique: true}},
	}
	index := blindindex.NewBuilder(signer, decls)

	auditLogger := audit.NewLogger(1000, nil)

	engine := document.New(document.Config{
		Transport:        memtransport.New(),
		Pipeline:         cipher.NewPipeline(suiteValue),
		Index:            index,
		KAK:              kak,
		Resolve:          resolve,
		DefaultRecipient: &cipher.RecipientRequest{Kid: kak.ID(), Alg: cipher.DefaultKeyWrapAlg},
		Logger:           logger,
		Audit:            auditLogger,
		Metrics:          m,
	})

	logger.WithFields(logrus.Fields{
		"documents": *documents,
		"suite":     suiteValue,
	}).Info("inserting documents")
	insertLatencies := insertDocuments(ctx, engine, *documents, logger)
	reportLatencies(logger, "insert", insertLatencies)

	logger.WithField("updaters", *updaters).Info("racing concurrent updates")
	conflicts := raceUpdates(ctx, engine, *updaters, logger)
	logger.WithField("conflicts_observed", conflicts).Info("concurrent update race finished")

	logger.WithField("bytes", *streamBytes).Info("running stream round-trip")
	if err := streamRoundTrip(ctx, engine, *streamBytes, *chunkSize, kak.ID()); err != nil {
		logger.WithError(err).Error("stream round-trip failed")
	} else {
		logger.Info("stream round-trip succeeded")
	}

	if hits, misses := index.Stats(); hits+misses > 0 {
		m.RecordIndexCacheStats(hits, misses)
	}

	logger.Info("edvbench finished; serving /metrics until interrupted")
	<-ctx.Done()
}

func insertDocuments(ctx context.Context, engine *document.Engine, n int, logger *logrus.Logger) []time.Duration {
	latencies := make([]time.Duration, 0, n)
	for i := 0; i < n; i++ {
		doc := &document.Document{
			Content: map[string]interface{}{
				"email": fmt.Sprintf("user-%d@example.com", i),
				"name":  fmt.Sprintf("User %d", i),
			},
			Meta: map[string]interface{}{"source": "edvbench"},
		}
		start := time.Now()
		inserted, err := engine.Insert(ctx, doc, nil, nil, 0)
		if err != nil {
			logger.WithError(err).WithField("index", i).Warn("insert failed")
			continue
		}
		if debug.Enabled() {
			logger.WithFields(logrus.Fields{"index": i, "id": inserted.ID}).Debug("inserted document")
		}
		latencies = append(latencies, time.Since(start))
	}
	return latencies
}

// raceUpdates inserts one document, then fires concurrent updates that all
// read the same starting sequence, demonstrating the InvalidStateError the
// transport raises for every racer but the one that lands first.
func raceUpdates(ctx context.Context, engine *document.Engine, workers int, logger *logrus.Logger) int {
	seed := &document.Document{Content: map[string]interface{}{"email": "race@example.com", "counter": 0}}
	inserted, err := engine.Insert(ctx, seed, nil, nil, 0)
	if err != nil {
		logger.WithError(err).Error("failed to seed race document")
		return 0
	}

	var wg sync.WaitGroup
	var conflicts int32
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			update := &document.Document{
				ID:       inserted.ID,
				Sequence: inserted.Sequence,
				Content:  map[string]interface{}{"email": "race@example.com", "counter": worker},
			}
			if _, err := engine.Update(ctx, update, nil, nil); err != nil {
				if kind, ok := edverrors.KindOf(err); ok && kind == edverrors.KindInvalidState {
					atomicAddInt32(&conflicts, 1)
					return
				}
				logger.WithError(err).WithField("worker", worker).Warn("unexpected update error")
			}
		}(i)
	}
	wg.Wait()
	return int(conflicts)
}

func streamRoundTrip(ctx context.Context, engine *document.Engine, size int64, chunkSize int, recipientKid string) error {
	payload := make([]byte, size)
	if _, err := rand.Read(payload); err != nil {
		return fmt.Errorf("generate payload: %w", err)
	}

	doc := &document.Document{Content: map[string]interface{}{"kind": "attachment-demo"}}
	recipients := []cipher.RecipientRequest{{Kid: recipientKid, Alg: cipher.DefaultKeyWrapAlg}}

	inserted, err := engine.Insert(ctx, doc, newBytesReader(payload), recipients, chunkSize)
	if err != nil {
		return fmt.Errorf("insert with stream: %w", err)
	}

	reader, err := engine.GetStream(ctx, inserted.ID)
	if err != nil {
		return fmt.Errorf("get stream: %w", err)
	}
	defer reader.Close()

	got := make([]byte, 0, size)
	buf := make([]byte, 64*1024)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			got = append(got, buf[:n]...)
		}
		if err != nil {
			break
		}
	}
	if int64(len(got)) != size {
		return fmt.Errorf("stream round-trip size mismatch: got %d, want %d", len(got), size)
	}
	return nil
}

func reportLatencies(logger *logrus.Logger, op string, latencies []time.Duration) {
	if len(latencies) == 0 {
		logger.WithField("op", op).Warn("no successful operations to report")
		return
	}
	var total time.Duration
	max := latencies[0]
	for _, l := range latencies {
		total += l
		if l > max {
			max = l
		}
	}
	logger.WithFields(logrus.Fields{
		"op":    op,
		"count": len(latencies),
		"avg":   total / time.Duration(len(latencies)),
		"max":   max,
	}).Info("latency summary")
}
