package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
)

// vehicleDataEndpoints is the preset list of data categories requested for a
// full vehicle read. location_data is required for newer firmware.
const vehicleDataEndpoints = "charge_state;climate_state;drive_state;gui_settings;vehicle_config;vehicle_state;location_data"

// proxy forwards one logical operation through the dispatcher using the
// token the gate resolved for this request, relaying the upstream JSON or
// the normalized error envelope.
func (a *App) proxy(w http.ResponseWriter, r *http.Request, method, path string, body any) {
	tok, ok := TokenFromContext(r.Context())
	if !ok {
		writeError(w, Errf(KindUnauthenticated, "authentication required"))
		return
	}

	payload, err := a.Dispatch.Do(r.Context(), tok.Record.AccessToken, method, path, body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeUpstream(w, payload)
}

func (a *App) handleVehicles(w http.ResponseWriter, r *http.Request) {
	a.proxy(w, r, http.MethodGet, "/api/1/vehicles", nil)
}

func (a *App) handleVehicleData(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	path := fmt.Sprintf("/api/1/vehicles/%s/vehicle_data?endpoints=%s", id, url.QueryEscape(vehicleDataEndpoints))
	a.proxy(w, r, http.MethodGet, path, nil)
}

func (a *App) handleVehicleWake(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a.proxy(w, r, http.MethodPost, fmt.Sprintf("/api/1/vehicles/%s/wake_up", id), nil)
}

func (a *App) handleChargeState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	path := fmt.Sprintf("/api/1/vehicles/%s/vehicle_data?endpoints=%s", id, url.QueryEscape("charge_state"))
	a.proxy(w, r, http.MethodGet, path, nil)
}

func (a *App) handleNearbyChargingSites(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a.proxy(w, r, http.MethodGet, fmt.Sprintf("/api/1/vehicles/%s/nearby_charging_sites", id), nil)
}

func (a *App) handleUserMe(w http.ResponseWriter, r *http.Request) {
	a.proxy(w, r, http.MethodGet, "/api/1/users/me", nil)
}

func (a *App) handleUserRegion(w http.ResponseWriter, r *http.Request) {
	a.proxy(w, r, http.MethodGet, "/api/1/users/region", nil)
}

// commandSpec describes one vehicle command: the fleet endpoint it maps to
// and the body fields the dashboard must supply.
type commandSpec struct {
	endpoint string
	required []string
}

// commandTable is the allowlist of vehicle commands the gateway will forward.
// Body fields pass through to the fleet API as-is once the required ones are
// present.
var commandTable = map[string]commandSpec{
	"climate_start":            {endpoint: "auto_conditioning_start"},
	"climate_stop":             {endpoint: "auto_conditioning_stop"},
	"set_temps":                {endpoint: "set_temps", required: []string{"driver_temp"}},
	"set_climate_keeper_mode":  {endpoint: "set_climate_keeper_mode", required: []string{"climate_keeper_mode"}},
	"charge_port_open":         {endpoint: "charge_port_door_open"},
	"charge_port_close":        {endpoint: "charge_port_door_close"},
	"charge_start":             {endpoint: "charge_start"},
	"charge_stop":              {endpoint: "charge_stop"},
	"set_charge_limit":         {endpoint: "set_charge_limit", required: []string{"percent"}},
	"set_charging_amps":        {endpoint: "set_charging_amps", required: []string{"charging_amps"}},
	"set_scheduled_charging":   {endpoint: "set_scheduled_charging", required: []string{"enable", "time"}},
	"door_lock":                {endpoint: "door_lock"},
	"door_unlock":              {endpoint: "door_unlock"},
	"actuate_trunk":            {endpoint: "actuate_trunk", required: []string{"which_trunk"}},
	"set_sentry_mode":          {endpoint: "set_sentry_mode", required: []string{"on"}},
	"window_control":           {endpoint: "window_control", required: []string{"command"}},
	"flash_lights":             {endpoint: "flash_lights"},
	"honk_horn":                {endpoint: "honk_horn"},
	"remote_boombox":           {endpoint: "remote_boombox", required: []string{"sound"}},
	"schedule_software_update": {endpoint: "schedule_software_update", required: []string{"offset_sec"}},
	"set_vehicle_name":         {endpoint: "set_vehicle_name", required: []string{"vehicle_name"}},
}

// handleCommand forwards an allowlisted vehicle command.
func (a *App) handleCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	name := chi.URLParam(r, "name")

	spec, ok := commandTable[name]
	if !ok {
		writeBadRequest(w, fmt.Sprintf("unknown command %q", name))
		return
	}

	body := map[string]any{}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeBadRequest(w, "invalid command body")
			return
		}
	}
	for _, field := range spec.required {
		if _, ok := body[field]; !ok {
			writeBadRequest(w, fmt.Sprintf("command %q requires field %q", name, field))
			return
		}
	}

	var payload any
	if len(body) > 0 {
		payload = body
	}
	a.proxy(w, r, http.MethodPost, fmt.Sprintf("/api/1/vehicles/%s/command/%s", id, spec.endpoint), payload)
}
