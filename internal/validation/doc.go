// Nightsync - Nightscout Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nightsync

// Package validation wraps go-playground/validator v10 with a shared instance
// and readable error messages. It validates the loaded configuration and the
// request bodies accepted by the admin API.
//
//	type triggerRequest struct {
//	    Reason string `json:"reason" validate:"omitempty,max=64"`
//	}
//
//	if err := validation.ValidateStruct(&req); err != nil {
//	    respondError(w, http.StatusBadRequest, err.Error())
//	}
package validation
