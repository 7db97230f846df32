//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/reconx/resilientd/internal/domain"
	"github.com/reconx/resilientd/internal/notify"
	"github.com/reconx/resilientd/internal/scanapi"
	"github.com/reconx/resilientd/internal/store"
	"github.com/reconx/resilientd/internal/tunnel"
	"github.com/reconx/resilientd/internal/usecase"
)

// fakeOrchestrator is an in-process Scan Control API.
type fakeOrchestrator struct {
	mu           sync.Mutex
	running      bool
	pauseReasons []string
	resumeCount  int
	server       *httptest.Server
}

func newFakeOrchestrator(running bool) *fakeOrchestrator {
	o := &fakeOrchestrator{running: running}
	mux := http.NewServeMux()
	mux.HandleFunc("/system/pause", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Reason string `json:"reason"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		o.mu.Lock()
		o.pauseReasons = append(o.pauseReasons, req.Reason)
		o.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/system/resume", func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		o.resumeCount++
		o.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/system/status", func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		running := o.running
		o.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]bool{"running": running})
	})
	o.server = httptest.NewServer(mux)
	return o
}

func (o *fakeOrchestrator) pauses() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.pauseReasons...)
}

func (o *fakeOrchestrator) resumes() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.resumeCount
}

type sinkNotifier struct{}

func (sinkNotifier) Notify(ctx context.Context, event domain.Event) {}

// echoProvider spawns a real child process that prints a localtunnel
// style URL, so URL discovery goes through the actual log-scanning path.
type echoProvider struct {
	*tunnel.LocalTunnelProvider
}

func newEchoProvider() echoProvider {
	return echoProvider{&tunnel.LocalTunnelProvider{}}
}

func (echoProvider) Available() bool { return true }

func (echoProvider) CommandArgs(localPort int) []string {
	return []string{"sh", "-c", "echo 'your url is: https://echoed-host.loca.lt'; sleep 60"}
}

var _ = Describe("Pause and resume lifecycle", func() {
	var (
		orchestrator *fakeOrchestrator
		guards       *store.FileGuardStore
		machine      *usecase.StateMachine
		ctx          context.Context
	)

	newMachine := func() *usecase.StateMachine {
		client := scanClient(orchestrator.server.URL)
		return usecase.NewStateMachine(usecase.DefaultThresholds(), guards, client, sinkNotifier{}, zap.NewNop())
	}

	BeforeEach(func() {
		ctx = context.Background()
		orchestrator = newFakeOrchestrator(true)
		guards = store.NewFileGuardStore(filepath.Join(GinkgoT().TempDir(), "guards.json"), zap.NewNop())
		machine = newMachine()
	})

	AfterEach(func() {
		orchestrator.server.Close()
	})

	Context("when the network drops and comes back", func() {
		It("pauses once, resumes once, and requests a tunnel restart", func() {
			offline := healthySnapshot()
			offline.Online = false

			machine.Evaluate(ctx, offline)
			machine.Evaluate(ctx, offline)
			Expect(orchestrator.pauses()).To(Equal([]string{"network_outage"}))

			online := healthySnapshot()
			outcome := machine.Evaluate(ctx, online)
			Expect(outcome.NetworkRestored).To(BeTrue())
			Expect(orchestrator.resumes()).To(Equal(1))

			machine.Evaluate(ctx, online)
			Expect(orchestrator.resumes()).To(Equal(1))
		})
	})

	Context("when the controller restarts mid-outage", func() {
		It("recovers the guard from disk and resumes exactly once", func() {
			offline := healthySnapshot()
			offline.Online = false
			machine.Evaluate(ctx, offline)
			Expect(orchestrator.pauses()).To(HaveLen(1))

			// A fresh state machine over the same guard file stands in
			// for a restarted process.
			restarted := newMachine()
			outcome := restarted.Evaluate(ctx, healthySnapshot())
			Expect(outcome.NetworkRestored).To(BeTrue())
			Expect(orchestrator.resumes()).To(Equal(1))

			state, err := guards.Load()
			Expect(err).NotTo(HaveOccurred())
			Expect(state.ActiveCount()).To(BeZero())
		})
	})

	Context("when two causes overlap", func() {
		It("keeps the scan paused until the last guard clears", func() {
			snap := healthySnapshot()
			snap.Online = false
			snap.BatteryPercent = 15
			machine.Evaluate(ctx, snap)
			Expect(orchestrator.pauses()).To(ConsistOf("network_outage", "low_battery"))

			snap.Online = true
			machine.Evaluate(ctx, snap)
			Expect(orchestrator.resumes()).To(BeZero())

			snap.BatteryPercent = 40
			machine.Evaluate(ctx, snap)
			Expect(orchestrator.resumes()).To(Equal(1))
		})
	})

	Context("when no scan is running", func() {
		It("takes no action at all", func() {
			stopped := newFakeOrchestrator(false)
			defer stopped.server.Close()

			idleGuards := store.NewFileGuardStore(filepath.Join(GinkgoT().TempDir(), "guards.json"), zap.NewNop())
			idle := usecase.NewStateMachine(usecase.DefaultThresholds(), idleGuards, scanClient(stopped.server.URL), sinkNotifier{}, zap.NewNop())

			snap := healthySnapshot()
			snap.Online = false
			snap.BatteryPercent = 3
			outcome := idle.Evaluate(context.Background(), snap)

			Expect(outcome.ScanRunning).To(BeFalse())
			Expect(stopped.pauses()).To(BeEmpty())
		})
	})
})

var _ = Describe("Tunnel supervision", func() {
	var (
		stateDir   string
		urlStore   *store.TunnelURLStore
		supervisor *tunnel.Supervisor
	)

	BeforeEach(func() {
		stateDir = GinkgoT().TempDir()
		urlStore = store.NewTunnelURLStore(filepath.Join(stateDir, "tunnel.json"))

		config := tunnel.DefaultConfig(stateDir)
		config.URLWaitTimeout = 10 * time.Second
		supervisor = tunnel.NewSupervisor(config,
			[]domain.TunnelProvider{newEchoProvider()},
			urlStore, sinkNotifier{}, zap.NewNop())
	})

	AfterEach(func() {
		supervisor.Stop()
	})

	It("discovers the URL from the provider log and publishes it", func() {
		Expect(supervisor.Start(context.Background())).To(Succeed())

		session := supervisor.Session()
		Expect(session).NotTo(BeNil())
		Expect(session.PublicURL).To(Equal("https://echoed-host.loca.lt"))

		status, err := urlStore.Current()
		Expect(err).NotTo(HaveOccurred())
		Expect(status.Active).To(BeTrue())
		Expect(status.URL).To(Equal("https://echoed-host.loca.lt"))
	})

	It("clears the published URL on stop", func() {
		Expect(supervisor.Start(context.Background())).To(Succeed())
		supervisor.Stop()

		status, err := urlStore.Current()
		Expect(err).NotTo(HaveOccurred())
		Expect(status.Active).To(BeFalse())
	})
})

var _ = Describe("Credential storage and notification wiring", func() {
	It("round-trips credentials through the encrypted store into channels", func() {
		dataDir := GinkgoT().TempDir()

		key, err := store.EnsureKey(store.NewFileKeyProvider(dataDir))
		Expect(err).NotTo(HaveOccurred())

		received := make(chan map[string]any, 1)
		webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var payload map[string]any
			json.NewDecoder(r.Body).Decode(&payload)
			received <- payload
			w.WriteHeader(http.StatusNoContent)
		}))
		defer webhook.Close()

		secrets, err := store.NewEncryptedSecretStore(dataDir, key)
		Expect(err).NotTo(HaveOccurred())
		Expect(secrets.SetSecret(store.SecretDiscordWebhook, webhook.URL)).To(Succeed())
		Expect(secrets.Close()).To(Succeed())

		// Reopen as the daemon would, with the key read back from disk.
		key, err = store.EnsureKey(store.NewFileKeyProvider(dataDir))
		Expect(err).NotTo(HaveOccurred())
		secrets, err = store.NewEncryptedSecretStore(dataDir, key)
		Expect(err).NotTo(HaveOccurred())
		defer secrets.Close()

		notifier := notify.FromSecrets(secrets, zap.NewNop())
		notifier.Notify(context.Background(), domain.Event{
			Title:    "Network restored",
			Message:  "Connectivity is back. Scan resumed.",
			Severity: domain.SeverityInfo,
		})

		var payload map[string]any
		Eventually(received, 5*time.Second).Should(Receive(&payload))
		Expect(payload).To(HaveKey("embeds"))
	})
})

func scanClient(baseURL string) *scanapi.Client {
	return scanapi.NewClient(baseURL, zap.NewNop())
}

func healthySnapshot() domain.HealthSnapshot {
	return domain.HealthSnapshot{
		Online:           true,
		BatteryKnown:     true,
		BatteryPercent:   80,
		TemperatureKnown: true,
		TemperatureC:     30.0,
		Timestamp:        time.Now(),
	}
}
