//go:build integration

package integration

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/fleetkit/enrolltrack/internal/apps"
	"github.com/fleetkit/enrolltrack/internal/daemon"
	"github.com/fleetkit/enrolltrack/internal/domain"
	"github.com/fleetkit/enrolltrack/internal/infra"
	"github.com/fleetkit/enrolltrack/internal/rules"
	"github.com/fleetkit/enrolltrack/internal/tailer"
	"github.com/fleetkit/enrolltrack/internal/usecase"
	"github.com/fleetkit/enrolltrack/test/fixtures"
)

// capturedEvents is a thread-safe event sink for assertions.
type capturedEvents struct {
	mu     sync.Mutex
	events []domain.EnrollmentEvent
}

func (c *capturedEvents) sink() domain.EventSink {
	return func(e domain.EnrollmentEvent) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.events = append(c.events, e)
	}
}

func (c *capturedEvents) count(eventType string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

func (c *capturedEvents) last(eventType string) (domain.EnrollmentEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.events) - 1; i >= 0; i-- {
		if c.events[i].Type == eventType {
			return c.events[i], true
		}
	}
	return domain.EnrollmentEvent{}, false
}

// stack is one fully wired tracker instance over a shared state dir.
type stack struct {
	tracker      *daemon.Tracker
	orchestrator *usecase.Orchestrator
	events       *capturedEvents
	store        *infra.FileSnapshotStore
	marker       *infra.FileCompletionMarker
	done         chan error
}

type stubFacts struct{}

func (stubFacts) Collect() (domain.DeviceFacts, error) {
	return domain.DeviceFacts{Hostname: "DESKTOP-IT"}, nil
}

func buildStack(stateDir, logPath, sessionID string, hello domain.HelloMonitor) *stack {
	logger := zap.NewNop()

	set, err := rules.Compile(rules.Default(), logger)
	Expect(err).NotTo(HaveOccurred())
	engine := rules.NewEngine(set, logger)

	events := &capturedEvents{}
	store := infra.NewFileSnapshotStore(stateDir)
	marker := infra.NewFileCompletionMarker(stateDir)
	positions := tailer.NewPositions(logger)
	registry := apps.NewRegistry(logger)

	orch := usecase.New(
		usecase.Config{SummaryInterval: time.Hour, Source: "integration"},
		sessionID,
		domain.EnrollmentV1,
		registry,
		positions,
		events.sink(),
		hello,
		stubFacts{},
		store,
		marker,
		logger,
	)

	cfg := daemon.TrackerConfig{
		LogPath:          logPath,
		PollInterval:     10 * time.Millisecond,
		SnapshotInterval: time.Hour,
	}
	return &stack{
		tracker:      daemon.NewTracker(cfg, tailer.NewReader(positions, logger), engine, orch, store, logger),
		orchestrator: orch,
		events:       events,
		store:        store,
		marker:       marker,
		done:         make(chan error, 1),
	}
}

func (s *stack) run(ctx context.Context) {
	go func() { s.done <- s.tracker.Run(ctx) }()
}

func (s *stack) waitExit() error {
	select {
	case err := <-s.done:
		return err
	case <-time.After(5 * time.Second):
		Fail("tracker did not exit in time")
		return nil
	}
}

var _ = Describe("Enrollment Tracker", func() {
	var (
		stateDir string
		logPath  string
		agentLog *fixtures.AgentLogWriter
		hello    *infra.StaticHelloMonitor
	)

	BeforeEach(func() {
		stateDir = GinkgoT().TempDir()
		logPath = filepath.Join(GinkgoT().TempDir(), "agent.log")
		agentLog = fixtures.NewAgentLogWriter(logPath)
		hello = infra.NewStaticHelloMonitor(false, false, zap.NewNop())
	})

	Describe("Full ESP enrollment", func() {
		Context("when the agent installs all required apps and finishes", func() {
			It("tracks phases and apps through to completion", func() {
				Expect(agentLog.Append(
					fixtures.PhaseLine("DeviceSetup"),
					fixtures.PoliciesLine(
						fixtures.RequiredApp("app-office", "Office"),
						fixtures.RequiredApp("app-vpn", "VPN Client"),
					),
					fixtures.DownloadLine("app-office", "Office", 52428800, 104857600),
					fixtures.InstallingLine("app-office"),
					fixtures.InstalledLine("app-office"),
					fixtures.DownloadLine("app-vpn", "VPN Client", 1048576, 20971520),
					fixtures.InstallingLine("app-vpn"),
					fixtures.InstalledLine("app-vpn"),
					fixtures.PhaseLine("AccountSetup"),
					fixtures.SessionCompletedLine(),
				)).To(Succeed())

				s := buildStack(stateDir, logPath, "session-full", hello)
				ctx, cancel := context.WithCancel(context.Background())
				defer cancel()
				s.run(ctx)

				Expect(s.waitExit()).To(Succeed())

				Expect(s.events.count(domain.EventPhaseChanged)).To(Equal(2))
				Expect(s.events.count(domain.EventDownloadStarted)).To(Equal(2))
				Expect(s.events.count(domain.EventInstallCompleted)).To(Equal(2))
				Expect(s.events.count(domain.EventComplete)).To(Equal(1))

				complete, ok := s.events.last(domain.EventComplete)
				Expect(ok).To(BeTrue())
				Expect(complete.Data["apps_total"]).To(Equal("2"))
				Expect(complete.Data["apps_completed"]).To(Equal("2"))
				Expect(complete.Data["apps_errors"]).To(Equal("0"))

				Expect(s.marker.Exists()).To(BeTrue())
				snap, err := s.store.Load()
				Expect(err).NotTo(HaveOccurred())
				Expect(snap).To(BeNil())
			})
		})

		Context("when a dependency fails", func() {
			It("cascades the failure to dependents and still completes", func() {
				Expect(agentLog.Append(
					fixtures.PhaseLine("DeviceSetup"),
					fixtures.PoliciesLine(
						fixtures.RequiredApp("app-base", "Base Runtime"),
						fixtures.RequiredApp("app-tool", "Tooling", "app-base"),
					),
					fixtures.ErrorLine("app-base", -2016345060),
					fixtures.SessionCompletedLine(),
				)).To(Succeed())

				s := buildStack(stateDir, logPath, "session-cascade", hello)
				ctx, cancel := context.WithCancel(context.Background())
				defer cancel()
				s.run(ctx)

				Expect(s.waitExit()).To(Succeed())

				Expect(s.events.count(domain.EventInstallError)).To(Equal(2))
				complete, ok := s.events.last(domain.EventComplete)
				Expect(ok).To(BeTrue())
				Expect(complete.Data["apps_errors"]).To(Equal("2"))
			})
		})
	})

	Describe("Crash recovery", func() {
		Context("when the tracker restarts mid-session", func() {
			It("resumes from the snapshot without reprocessing old lines", func() {
				Expect(agentLog.Append(
					fixtures.PhaseLine("DeviceSetup"),
					fixtures.PoliciesLine(fixtures.RequiredApp("app-office", "Office")),
					fixtures.DownloadLine("app-office", "Office", 1048576, 104857600),
				)).To(Succeed())

				first := buildStack(stateDir, logPath, "session-crash", hello)
				ctx1, cancel1 := context.WithCancel(context.Background())
				first.run(ctx1)

				Eventually(func() bool {
					snap, err := first.store.Load()
					return err == nil && snap != nil && len(snap.Packages) == 1
				}, 2*time.Second, 5*time.Millisecond).Should(BeTrue())

				cancel1()
				first.waitExit()

				// Second process, fresh in-memory state, same state dir.
				second := buildStack(stateDir, logPath, "ignored-new-session", hello)
				ctx2, cancel2 := context.WithCancel(context.Background())
				defer cancel2()
				second.run(ctx2)

				Expect(agentLog.Append(
					fixtures.InstalledLine("app-office"),
					fixtures.SessionCompletedLine(),
				)).To(Succeed())

				Expect(second.waitExit()).To(Succeed())

				// No duplicate discovery or download events after resume.
				Expect(second.events.count(domain.EventPoliciesDiscovered)).To(Equal(0))
				Expect(second.events.count(domain.EventDownloadStarted)).To(Equal(0))
				Expect(second.events.count(domain.EventInstallCompleted)).To(Equal(1))

				complete, ok := second.events.last(domain.EventComplete)
				Expect(ok).To(BeTrue())
				Expect(complete.SessionID).To(Equal("session-crash"))
				Expect(complete.Data["apps_completed"]).To(Equal("1"))
			})
		})
	})

	Describe("Log rollover", func() {
		Context("when the agent rotates its log mid-session", func() {
			It("resets to the start of the new file and keeps tracking", func() {
				// Pre-rotation content is longer than the rotated file,
				// so the shrink is unambiguous.
				Expect(agentLog.Append(
					fixtures.PhaseLine("DeviceSetup"),
					"Win32App poller heartbeat, nothing to do",
					"Win32App poller heartbeat, nothing to do",
				)).To(Succeed())

				s := buildStack(stateDir, logPath, "session-rollover", hello)
				ctx, cancel := context.WithCancel(context.Background())
				defer cancel()
				s.run(ctx)

				Eventually(func() int {
					return s.events.count(domain.EventPhaseChanged)
				}, 2*time.Second, 5*time.Millisecond).Should(Equal(1))

				// Rotated file is shorter than the stored offset.
				Expect(agentLog.Rollover(fixtures.PhaseLine("AccountSetup"))).To(Succeed())

				Eventually(func() int {
					return s.events.count(domain.EventPhaseChanged)
				}, 2*time.Second, 5*time.Millisecond).Should(Equal(2))

				last, ok := s.events.last(domain.EventPhaseChanged)
				Expect(ok).To(BeTrue())
				Expect(last.Data["phase"]).To(Equal("account_setup"))
			})
		})
	})

	Describe("Windows Hello gating", func() {
		Context("when a Hello policy is configured but not yet completed", func() {
			It("suspends completion until the Hello notification arrives", func() {
				gated := infra.NewStaticHelloMonitor(true, false, zap.NewNop())
				Expect(agentLog.Append(
					fixtures.PhaseLine("DeviceSetup"),
					fixtures.SessionCompletedLine(),
				)).To(Succeed())

				s := buildStack(stateDir, logPath, "session-hello", gated)
				ctx, cancel := context.WithCancel(context.Background())
				defer cancel()
				s.run(ctx)

				Eventually(func() int {
					return s.events.count(domain.EventWaitingForHello)
				}, 2*time.Second, 5*time.Millisecond).Should(Equal(1))
				Expect(s.events.count(domain.EventComplete)).To(Equal(0))
				Expect(s.marker.Exists()).To(BeFalse())

				s.orchestrator.HelloCompleted()

				Expect(s.waitExit()).To(Succeed())
				Expect(s.events.count(domain.EventComplete)).To(Equal(1))
				Expect(s.marker.Exists()).To(BeTrue())
			})
		})
	})

	Describe("Torn writes", func() {
		Context("when the agent's last line is incomplete", func() {
			It("holds the partial line back until the write finishes", func() {
				full := fixtures.Line(time.Now(), "IntuneManagementExtension", fixtures.PhaseLine("DeviceSetup"), 1) + "\r\n"
				half := fixtures.Line(time.Now(), "IntuneManagementExtension", fixtures.PhaseLine("AccountSetup"), 1)
				cut := half[:len(half)/2]

				Expect(agentLog.AppendRaw(full + cut)).To(Succeed())

				s := buildStack(stateDir, logPath, "session-torn", hello)
				ctx, cancel := context.WithCancel(context.Background())
				defer cancel()
				s.run(ctx)

				Eventually(func() int {
					return s.events.count(domain.EventPhaseChanged)
				}, 2*time.Second, 5*time.Millisecond).Should(Equal(1))

				// Finish the torn line; it must now parse as one line.
				Expect(agentLog.AppendRaw(half[len(half)/2:] + "\r\n")).To(Succeed())

				Eventually(func() int {
					return s.events.count(domain.EventPhaseChanged)
				}, 2*time.Second, 5*time.Millisecond).Should(Equal(2))
			})
		})
	})
})
