package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowpbx/agentphone/internal/callctl"
	"github.com/flowpbx/agentphone/internal/followup"
	"github.com/flowpbx/agentphone/internal/transport"
)

// StateProvider exposes the call engine snapshot.
type StateProvider interface {
	State() callctl.State
}

// RegistrationProvider exposes the registration manager status.
type RegistrationProvider interface {
	Status() transport.Status
}

// SignalProvider exposes the signal level (0-3).
type SignalProvider interface {
	Level() int
}

// QueueProvider exposes the inbound queue length.
type QueueProvider interface {
	Len() int
}

// MissedCounter counts missed inbound calls for a campaign.
type MissedCounter interface {
	CountByCampaign(ctx context.Context, campaign string) (int64, error)
}

// FollowUpProvider exposes the follow-up split.
type FollowUpProvider interface {
	Snapshot() followup.Snapshot
}

// Providers groups the sources read at scrape time. Any field may be nil.
type Providers struct {
	Engine    StateProvider
	Transport RegistrationProvider
	Signal    SignalProvider
	Queue     QueueProvider
	Missed    MissedCounter
	FollowUps FollowUpProvider
	Campaign  string
}

var (
	phases             = []callctl.Phase{callctl.PhaseIdle, callctl.PhaseDialing, callctl.PhaseRingingRemote, callctl.PhaseRingingLocal, callctl.PhaseActive, callctl.PhaseHeld, callctl.PhaseConference, callctl.PhaseFailed, callctl.PhaseDisposition}
	registrationStates = []transport.State{transport.StateDisconnected, transport.StateConnecting, transport.StateConnected, transport.StateLost}
)

// Collector is a prometheus.Collector that gathers agent metrics at scrape time.
type Collector struct {
	p         Providers
	startTime time.Time

	phaseDesc        *prometheus.Desc
	registrationDesc *prometheus.Desc
	regFailuresDesc  *prometheus.Desc
	signalDesc       *prometheus.Desc
	queueDesc        *prometheus.Desc
	missedDesc       *prometheus.Desc
	followUpsDesc    *prometheus.Desc
	alertsDesc       *prometheus.Desc
	recordingDesc    *prometheus.Desc
	durationDesc     *prometheus.Desc
	gateDesc         *prometheus.Desc
	uptimeDesc       *prometheus.Desc
}

// NewCollector creates a new metrics collector.
func NewCollector(p Providers, startTime time.Time) *Collector {
	return &Collector{
		p:         p,
		startTime: startTime,

		phaseDesc: prometheus.NewDesc(
			"agentphone_call_phase",
			"Current call phase (1 for the active phase, 0 otherwise)",
			[]string{"phase"}, nil,
		),
		registrationDesc: prometheus.NewDesc(
			"agentphone_registration_state",
			"SIP registration state (1 for the current state, 0 otherwise)",
			[]string{"state"}, nil,
		),
		regFailuresDesc: prometheus.NewDesc(
			"agentphone_registration_failures",
			"Consecutive failed registration attempts",
			nil, nil,
		),
		signalDesc: prometheus.NewDesc(
			"agentphone_signal_level",
			"Signaling health level from 0 (lost) to 3 (good)",
			nil, nil,
		),
		queueDesc: prometheus.NewDesc(
			"agentphone_queue_length",
			"Inbound callers waiting in the queue",
			nil, nil,
		),
		missedDesc: prometheus.NewDesc(
			"agentphone_missed_calls",
			"Missed inbound calls recorded for the campaign",
			[]string{"campaign"}, nil,
		),
		followUpsDesc: prometheus.NewDesc(
			"agentphone_followups",
			"Scheduled callbacks by status",
			[]string{"status"}, nil,
		),
		alertsDesc: prometheus.NewDesc(
			"agentphone_followup_alerts",
			"Upcoming callbacks inside the alert window",
			nil, nil,
		),
		recordingDesc: prometheus.NewDesc(
			"agentphone_recording_active",
			"Whether the current call is being recorded",
			nil, nil,
		),
		durationDesc: prometheus.NewDesc(
			"agentphone_call_duration_seconds",
			"Elapsed talk time of the current call",
			nil, nil,
		),
		gateDesc: prometheus.NewDesc(
			"agentphone_disposition_pending",
			"Whether a finished call is waiting for classification",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"agentphone_uptime_seconds",
			"Seconds since the agentphone process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.phaseDesc
	ch <- c.registrationDesc
	ch <- c.regFailuresDesc
	ch <- c.signalDesc
	ch <- c.queueDesc
	ch <- c.missedDesc
	ch <- c.followUpsDesc
	ch <- c.alertsDesc
	ch <- c.recordingDesc
	ch <- c.durationDesc
	ch <- c.gateDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.p.Engine != nil {
		st := c.p.Engine.State()
		for _, ph := range phases {
			ch <- prometheus.MustNewConstMetric(c.phaseDesc, prometheus.GaugeValue, boolValue(st.Phase == ph), string(ph))
		}
		ch <- prometheus.MustNewConstMetric(c.recordingDesc, prometheus.GaugeValue, boolValue(st.Recording))
		ch <- prometheus.MustNewConstMetric(c.durationDesc, prometheus.GaugeValue, float64(st.Seconds))
		ch <- prometheus.MustNewConstMetric(c.gateDesc, prometheus.GaugeValue, boolValue(st.GateOpen))
	}

	if c.p.Transport != nil {
		status := c.p.Transport.Status()
		for _, s := range registrationStates {
			ch <- prometheus.MustNewConstMetric(c.registrationDesc, prometheus.GaugeValue, boolValue(status.State == s), string(s))
		}
		ch <- prometheus.MustNewConstMetric(c.regFailuresDesc, prometheus.GaugeValue, float64(status.Failures))
	}

	if c.p.Signal != nil {
		ch <- prometheus.MustNewConstMetric(c.signalDesc, prometheus.GaugeValue, float64(c.p.Signal.Level()))
	}

	if c.p.Queue != nil {
		ch <- prometheus.MustNewConstMetric(c.queueDesc, prometheus.GaugeValue, float64(c.p.Queue.Len()))
	}

	if c.p.Missed != nil {
		count, err := c.p.Missed.CountByCampaign(ctx, c.p.Campaign)
		if err != nil {
			slog.Error("metrics: failed to count missed calls", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(c.missedDesc, prometheus.GaugeValue, float64(count), c.p.Campaign)
		}
	}

	if c.p.FollowUps != nil {
		snap := c.p.FollowUps.Snapshot()
		ch <- prometheus.MustNewConstMetric(c.followUpsDesc, prometheus.GaugeValue, float64(snap.Upcoming), "upcoming")
		ch <- prometheus.MustNewConstMetric(c.followUpsDesc, prometheus.GaugeValue, float64(snap.Completed), "completed")
		ch <- prometheus.MustNewConstMetric(c.alertsDesc, prometheus.GaugeValue, float64(snap.Alerts))
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
