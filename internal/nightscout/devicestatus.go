// Nightsync - Nightscout Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nightsync

package nightscout

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/nightsync/internal/logging"
	"github.com/tomtom215/nightsync/internal/models"
)

// Decision is the normalized content of a suggested or enacted dosing
// decision, independent of which dosing system produced it.
type Decision struct {
	Timestamp time.Time

	IOB              float64
	COB              float64
	PredictedBG      float64
	EventualBG       float64
	SensitivityRatio float64
	RecommendedBolus float64
	Reason           string

	Rate     float64
	Duration float64
	Bolus    float64
}

// StatusRecord is one device status document after dialect normalization.
// Suggested and Enacted are nil when the document has no such decision.
type StatusRecord struct {
	CreatedAt time.Time
	Device    string
	Suggested *Decision
	Enacted   *Decision

	// Advisory is the dosing system's own cycle timestamp (OpenAPS deliverAt,
	// Loop loop.timestamp). It can be fresher than CreatedAt when uploads lag.
	Advisory time.Time

	PumpBattery     *float64
	PumpReservoir   *float64
	UploaderBattery *float64
}

// HasDecision reports whether the record carries suggested or enacted data.
func (r *StatusRecord) HasDecision() bool {
	return r.Suggested != nil || r.Enacted != nil
}

type statusWire struct {
	CreatedAt       flexTime      `json:"created_at"`
	Device          string        `json:"device"`
	OpenAPS         *openAPSWire  `json:"openaps"`
	Loop            *loopWire     `json:"loop"`
	Pump            *pumpWire     `json:"pump"`
	Uploader        *uploaderWire `json:"uploader"`
	UploaderBattery *flexFloat    `json:"uploaderBattery"`
}

type pumpWire struct {
	Battery *struct {
		Percent *flexFloat `json:"percent"`
	} `json:"battery"`
	Reservoir *flexFloat `json:"reservoir"`
}

type uploaderWire struct {
	Battery *flexFloat `json:"battery"`
}

// OpenAPS / AndroidAPS dialect.

type openAPSWire struct {
	Suggested *openAPSDecision `json:"suggested"`
	Enacted   *openAPSDecision `json:"enacted"`
	IOB       json.RawMessage  `json:"iob"`
}

type openAPSDecision struct {
	Timestamp        flexTime   `json:"timestamp"`
	DeliverAt        flexTime   `json:"deliverAt"`
	EventualBG       flexFloat  `json:"eventualBG"`
	Reason           string     `json:"reason"`
	SensitivityRatio flexFloat  `json:"sensitivityRatio"`
	IOB              flexFloat  `json:"IOB"`
	COB              flexFloat  `json:"COB"`
	InsulinReq       flexFloat  `json:"insulinReq"`
	Rate             flexFloat  `json:"rate"`
	Duration         flexFloat  `json:"duration"`
	Units            flexFloat  `json:"units"`
	SMB              flexFloat  `json:"smb"`
	Received         *bool      `json:"received"`
	PredBGs          *predBGSet `json:"predBGs"`
}

type predBGSet struct {
	IOB []flexFloat `json:"IOB"`
	COB []flexFloat `json:"COB"`
	UAM []flexFloat `json:"UAM"`
	ZT  []flexFloat `json:"ZT"`
}

// last returns the final value of the most informative prediction curve.
func (p *predBGSet) last() float64 {
	for _, curve := range [][]flexFloat{p.COB, p.UAM, p.IOB, p.ZT} {
		if n := len(curve); n > 0 {
			return float64(curve[n-1])
		}
	}
	return 0
}

type openAPSIOB struct {
	IOB flexFloat `json:"iob"`
}

func (d *openAPSDecision) toDecision(fallback time.Time) *Decision {
	out := &Decision{
		Timestamp:        d.Timestamp.Time,
		IOB:              float64(d.IOB),
		COB:              float64(d.COB),
		EventualBG:       float64(d.EventualBG),
		PredictedBG:      float64(d.EventualBG),
		SensitivityRatio: float64(d.SensitivityRatio),
		RecommendedBolus: float64(d.InsulinReq),
		Reason:           d.Reason,
		Rate:             float64(d.Rate),
		Duration:         float64(d.Duration),
		Bolus:            float64(d.Units),
	}
	if out.Bolus == 0 {
		out.Bolus = float64(d.SMB)
	}
	if d.PredBGs != nil {
		if v := d.PredBGs.last(); v != 0 {
			out.PredictedBG = v
		}
	}
	if out.Timestamp.IsZero() {
		out.Timestamp = fallback
	}
	return out
}

func normalizeOpenAPS(w *statusWire, rec *StatusRecord) {
	o := w.OpenAPS
	if o == nil {
		return
	}
	if o.Suggested != nil {
		rec.Suggested = o.Suggested.toDecision(rec.CreatedAt)
		if rec.Suggested.IOB == 0 {
			rec.Suggested.IOB = openAPSIOBValue(o.IOB)
		}
		rec.Advisory = o.Suggested.DeliverAt.Time
	}
	// An enacted block the pump explicitly did not receive was never applied.
	if o.Enacted != nil && (o.Enacted.Received == nil || *o.Enacted.Received) {
		rec.Enacted = o.Enacted.toDecision(rec.CreatedAt)
		if !o.Enacted.DeliverAt.IsZero() {
			rec.Advisory = o.Enacted.DeliverAt.Time
		}
	}
}

// openAPSIOBValue reads openaps.iob, which is an object or an array of them.
func openAPSIOBValue(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return 0
	}
	var one openAPSIOB
	if err := json.Unmarshal(raw, &one); err == nil {
		return float64(one.IOB)
	}
	var many []openAPSIOB
	if err := json.Unmarshal(raw, &many); err == nil && len(many) > 0 {
		return float64(many[0].IOB)
	}
	return 0
}

// Loop dialect.

type loopWire struct {
	Timestamp flexTime `json:"timestamp"`
	IOB       *struct {
		IOB flexFloat `json:"iob"`
	} `json:"iob"`
	COB *struct {
		COB flexFloat `json:"cob"`
	} `json:"cob"`
	Predicted *struct {
		Values []flexFloat `json:"values"`
	} `json:"predicted"`
	Enacted                     *loopEnacted        `json:"enacted"`
	RecommendedBolus            flexFloat           `json:"recommendedBolus"`
	AutomaticDoseRecommendation *loopRecommendation `json:"automaticDoseRecommendation"`
	FailureReason               string              `json:"failureReason"`
}

type loopEnacted struct {
	Timestamp   flexTime  `json:"timestamp"`
	Rate        flexFloat `json:"rate"`
	Duration    flexFloat `json:"duration"`
	BolusVolume flexFloat `json:"bolusVolume"`
	Received    *bool     `json:"received"`
}

type loopRecommendation struct {
	Timestamp           flexTime `json:"timestamp"`
	TempBasalAdjustment *struct {
		Rate     flexFloat `json:"rate"`
		Duration flexFloat `json:"duration"`
	} `json:"tempBasalAdjustment"`
	BolusVolume flexFloat `json:"bolusVolume"`
}

func normalizeLoop(w *statusWire, rec *StatusRecord) {
	l := w.Loop
	if l == nil {
		return
	}
	rec.Advisory = l.Timestamp.Time

	if l.IOB != nil || l.COB != nil || l.Predicted != nil || l.AutomaticDoseRecommendation != nil {
		d := &Decision{
			Timestamp:        l.Timestamp.Time,
			RecommendedBolus: float64(l.RecommendedBolus),
			Reason:           l.FailureReason,
		}
		if l.IOB != nil {
			d.IOB = float64(l.IOB.IOB)
		}
		if l.COB != nil {
			d.COB = float64(l.COB.COB)
		}
		if l.Predicted != nil && len(l.Predicted.Values) > 0 {
			last := float64(l.Predicted.Values[len(l.Predicted.Values)-1])
			d.PredictedBG = last
			d.EventualBG = last
		}
		if r := l.AutomaticDoseRecommendation; r != nil {
			if r.TempBasalAdjustment != nil {
				d.Rate = float64(r.TempBasalAdjustment.Rate)
				d.Duration = float64(r.TempBasalAdjustment.Duration)
			}
			d.Bolus = float64(r.BolusVolume)
			if d.Timestamp.IsZero() {
				d.Timestamp = r.Timestamp.Time
			}
		}
		if d.Timestamp.IsZero() {
			d.Timestamp = rec.CreatedAt
		}
		rec.Suggested = d
	}

	if e := l.Enacted; e != nil && (e.Received == nil || *e.Received) {
		d := &Decision{
			Timestamp: e.Timestamp.Time,
			Rate:      float64(e.Rate),
			Duration:  float64(e.Duration),
			Bolus:     float64(e.BolusVolume),
		}
		if rec.Suggested != nil {
			d.IOB = rec.Suggested.IOB
			d.COB = rec.Suggested.COB
			d.PredictedBG = rec.Suggested.PredictedBG
			d.EventualBG = rec.Suggested.EventualBG
		}
		if d.Timestamp.IsZero() {
			d.Timestamp = rec.CreatedAt
		}
		rec.Enacted = d
	}
}

// DecodeDeviceStatus parses a devicestatus list using the given dialect.
// Documents from the other dialect carry no decision and only contribute
// battery and reservoir values.
func DecodeDeviceStatus(body []byte, dialect Dialect) ([]StatusRecord, error) {
	elems, err := decodeArray("devicestatus", body)
	if err != nil {
		return nil, err
	}

	records := make([]StatusRecord, 0, len(elems))
	for i, raw := range elems {
		var w statusWire
		if err := json.Unmarshal(raw, &w); err != nil {
			logging.Debug().Err(err).Int("index", i).Msg("[nightscout] Skipping malformed device status")
			continue
		}
		if w.CreatedAt.IsZero() {
			continue
		}

		rec := StatusRecord{CreatedAt: w.CreatedAt.UTC(), Device: w.Device}
		switch dialect {
		case DialectLoop:
			normalizeLoop(&w, &rec)
		default:
			normalizeOpenAPS(&w, &rec)
		}

		if w.Pump != nil {
			if w.Pump.Battery != nil && w.Pump.Battery.Percent != nil {
				v := float64(*w.Pump.Battery.Percent)
				rec.PumpBattery = &v
			}
			if w.Pump.Reservoir != nil {
				v := float64(*w.Pump.Reservoir)
				rec.PumpReservoir = &v
			}
		}
		switch {
		case w.Uploader != nil && w.Uploader.Battery != nil:
			v := float64(*w.Uploader.Battery)
			rec.UploaderBattery = &v
		case w.UploaderBattery != nil:
			v := float64(*w.UploaderBattery)
			rec.UploaderBattery = &v
		}
		records = append(records, rec)
	}
	return records, nil
}

// FetchDeviceStatus downloads up to count device status documents created
// at or after since, newest first.
func (a *API) FetchDeviceStatus(ctx context.Context, since time.Time, count int) ([]StatusRecord, Outcome) {
	q := url.Values{}
	q.Set("count", strconv.Itoa(count))
	if !since.IsZero() {
		q.Set("find[created_at][$gte]", formatTime(since))
	}

	out := a.t.Do(ctx, Request{Method: http.MethodGet, Path: "/api/v1/devicestatus", Query: q})
	if !out.OK {
		return nil, out
	}
	records, err := DecodeDeviceStatus(out.Body, a.dialect)
	if err != nil {
		return nil, failure(err)
	}
	return records, out
}

// BatteryPayload renders an uploader battery report.
func (a *API) BatteryPayload(b models.BatteryInfo) map[string]interface{} {
	return map[string]interface{}{
		"device":          a.device,
		"created_at":      formatTime(b.Timestamp),
		"uploaderBattery": b.Level,
		"uploader": map[string]interface{}{
			"name":    a.device,
			"battery": b.Level,
		},
	}
}

// PostBattery uploads the uploader battery level as a device status.
func (a *API) PostBattery(ctx context.Context, b models.BatteryInfo) Outcome {
	return a.t.Do(ctx, Request{
		Method:      http.MethodPost,
		Path:        "/api/v1/devicestatus",
		Body:        a.BatteryPayload(b),
		RequireAuth: true,
	})
}
