package models

import "time"

type AdminUser struct {
	ID           int       `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type ChargePoint struct {
	ChargePointID string    `json:"charge_point_id"`
	Name          string    `json:"name"`
	Enabled       bool      `json:"enabled"`
	MaxCurrentA   float64   `json:"max_current_a"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type Card struct {
	CardID    string    `json:"card_id"`
	Balance   float64   `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type IdTag struct {
	IdTag      string  `json:"id_tag"`
	Status     string  `json:"status"`
	ExpiryDate *string `json:"expiry_date"`
}

type WhitelistEntry struct {
	IdTag         string `json:"id_tag"`
	ChargePointID string `json:"charge_point_id"`
}

type Transaction struct {
	TransactionID int64   `json:"transaction_id"`
	ChargePointID string  `json:"charge_point_id"`
	ConnectorID   int     `json:"connector_id"`
	IdTag         string  `json:"id_tag"`
	MeterStart    int64   `json:"meter_start"`
	StartTime     string  `json:"start_timestamp"`
	MeterStop     *int64  `json:"meter_stop"`
	StopTime      *string `json:"stop_timestamp"`
	StopReason    *string `json:"stop_reason"`
}

func (t *Transaction) Active() bool { return t.StopTime == nil }

type MeterSample struct {
	ID            int64   `json:"id"`
	TransactionID int64   `json:"transaction_id"`
	ChargePointID string  `json:"charge_point_id"`
	ConnectorID   int     `json:"connector_id"`
	Timestamp     string  `json:"timestamp"`
	Measurand     string  `json:"measurand"`
	Unit          string  `json:"unit"`
	Value         float64 `json:"value"`
	Phase         string  `json:"phase,omitempty"`
}

type StopRecord struct {
	TransactionID int64  `json:"transaction_id"`
	MeterStop     int64  `json:"meter_stop"`
	Timestamp     string `json:"timestamp"`
	Reason        string `json:"reason"`
}

type Payment struct {
	ID            int64   `json:"id"`
	TransactionID int64   `json:"transaction_id"`
	BaseFee       float64 `json:"base_fee"`
	EnergyFee     float64 `json:"energy_fee"`
	OveruseFee    float64 `json:"overuse_fee"`
	TotalAmount   float64 `json:"total_amount"`
	PaidAt        string  `json:"paid_at"`
}

type RealtimeDeduction struct {
	TransactionID int64   `json:"transaction_id"`
	KWhTotal      float64 `json:"kwh_total"`
	AmountTotal   float64 `json:"amount_total"`
	UpdatedAt     string  `json:"updated_at"`
}

type TariffSegment struct {
	ID    int     `json:"id"`
	Date  string  `json:"date"`
	Start string  `json:"start_time"`
	End   string  `json:"end_time"`
	Price float64 `json:"price"`
	Label string  `json:"label"`
}

type CommunitySettings struct {
	Enabled     bool    `json:"enabled"`
	ContractKW  float64 `json:"contract_kw"`
	VoltageV    float64 `json:"voltage_v"`
	Phases      int     `json:"phases"`
	MinCurrentA float64 `json:"min_current_a"`
	MaxCurrentA float64 `json:"max_current_a"`
}

type StatusLog struct {
	ID            int64  `json:"id"`
	ChargePointID string `json:"charge_point_id"`
	ConnectorID   int    `json:"connector_id"`
	Status        string `json:"status"`
	ErrorCode     string `json:"error_code"`
	Timestamp     string `json:"timestamp"`
}

type ConnectionLog struct {
	ID            int64  `json:"id"`
	ChargePointID string `json:"charge_point_id"`
	Event         string `json:"event"`
	PeerAddr      string `json:"peer_addr"`
	Timestamp     string `json:"timestamp"`
}

// LiveStatus is the wire shape returned by the live-status endpoint and
// published over MQTT. Power in kW, energy in kWh.
type LiveStatus struct {
	ChargePointID   string  `json:"charge_point_id"`
	Voltage         float64 `json:"voltage"`
	Current         float64 `json:"current"`
	PowerKW         float64 `json:"power_kw"`
	EnergyKWh       float64 `json:"energy_kwh"`
	EstimatedEnergy float64 `json:"estimated_energy"`
	EstimatedAmount float64 `json:"estimated_amount"`
	PricePerKWh     float64 `json:"price_per_kwh"`
	SampleTime      string  `json:"sample_time"`
	Stale           bool    `json:"stale"`
	Derived         bool    `json:"derived"`
}

type TransactionSummary struct {
	Transaction
	EnergyKWh   float64 `json:"energy_kwh"`
	Amount      float64 `json:"amount"`
	PricePerKWh float64 `json:"price_per_kwh"`
	Finished    bool    `json:"finished"`
}
