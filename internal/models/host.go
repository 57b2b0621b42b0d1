package models

type HostInfo struct {
	BrokerVersion   string `json:"broker_version"`
	OperatingSystem string `json:"operating_system"`
	Architecture    string `json:"architecture"`
	CPUCores        int    `json:"cpu_cores"`
	SettlementMode  string `json:"settlement_mode"`
	StoreDriver     string `json:"store_driver"`
}
