// Nightsync - Nightscout Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nightsync

package models

import "time"

// DeviceStatus is the display model of the automated dosing loop.
//
// CreatedAt is the server timestamp of the newest ingested status that had
// suggested or enacted data. LastLoopDate is the newest enacted dosing cycle
// and only moves forward.
type DeviceStatus struct {
	CreatedAt    time.Time `json:"created_at"`
	LastLoopDate time.Time `json:"last_loop_date"`
	LastChecked  time.Time `json:"last_checked"`

	Source string `json:"source,omitempty"`

	IOB              float64 `json:"iob"`
	COB              float64 `json:"cob"`
	PredictedBG      float64 `json:"predicted_bg"`
	EventualBG       float64 `json:"eventual_bg"`
	Reason           string  `json:"reason,omitempty"`
	SensitivityRatio float64 `json:"sensitivity_ratio"`
	RecommendedBolus float64 `json:"recommended_bolus"`

	TempBasalRate     float64 `json:"temp_basal_rate"`
	TempBasalDuration float64 `json:"temp_basal_duration"`
	BolusVolume       float64 `json:"bolus_volume"`

	PumpBattery     float64 `json:"pump_battery"`
	UploaderBattery float64 `json:"uploader_battery"`
	PumpReservoir   float64 `json:"pump_reservoir"`
}

// ScheduleEntry is one time-of-day step of a therapy schedule.
type ScheduleEntry struct {
	// Offset is the start of the step measured from local midnight.
	Offset time.Duration `json:"offset"`
	Value  float64       `json:"value"`
}

// Profile is the cached therapy profile.
type Profile struct {
	Name        string          `json:"name"`
	Units       string          `json:"units"`
	Timezone    string          `json:"timezone"`
	DIA         float64         `json:"dia"`
	Basal       []ScheduleEntry `json:"basal"`
	CarbRatio   []ScheduleEntry `json:"carb_ratio"`
	Sensitivity []ScheduleEntry `json:"sensitivity"`
	TargetLow   []ScheduleEntry `json:"target_low"`
	TargetHigh  []ScheduleEntry `json:"target_high"`
	StartDate   time.Time       `json:"start_date"`
	UpdatedDate time.Time       `json:"updated_date"`
	LastChecked time.Time       `json:"last_checked"`
}

// ValueAt returns the schedule value in effect at the given offset from midnight.
func ValueAt(schedule []ScheduleEntry, offset time.Duration) float64 {
	var v float64
	for _, e := range schedule {
		if e.Offset > offset {
			break
		}
		v = e.Value
	}
	return v
}

// ResetFutureDates zeroes StartDate and UpdatedDate when either lies after now.
// A future date means the clock was skewed when the profile was cached; the
// reset forces the next remote profile to be accepted. Reports whether a reset happened.
func (p *Profile) ResetFutureDates(now time.Time) bool {
	if p.StartDate.After(now) || p.UpdatedDate.After(now) {
		p.StartDate = time.Time{}
		p.UpdatedDate = time.Time{}
		return true
	}
	return false
}
