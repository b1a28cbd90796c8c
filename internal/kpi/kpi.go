package kpi

import (
	"strconv"
	"time"
)

// GlobalKPI is one closed window of the global view.
type GlobalKPI struct {
	WindowStart            time.Time `json:"window_start"`
	WindowEnd              time.Time `json:"window_end"`
	OPM                    int64     `json:"OPM"`
	TotalVolumeOfSales     float64   `json:"total_volume_of_sales"`
	AverageTransactionSize float64   `json:"average_transaction_size"`
	RateOfReturn           float64   `json:"rate_of_return"`
}

func (k GlobalKPI) Key() string { return strconv.FormatInt(k.WindowStart.Unix(), 10) }

func (k GlobalKPI) Columns() []string {
	return []string{"window_start", "window_end", "opm", "total_volume_of_sales", "average_transaction_size", "rate_of_return"}
}

func (k GlobalKPI) Values() []any {
	return []any{k.WindowStart, k.WindowEnd, k.OPM, k.TotalVolumeOfSales, k.AverageTransactionSize, k.RateOfReturn}
}

// CountryKPI is one closed (window, country) pair of the country view.
type CountryKPI struct {
	WindowStart        time.Time `json:"window_start"`
	WindowEnd          time.Time `json:"window_end"`
	Country            string    `json:"country"`
	OPM                int64     `json:"OPM"`
	TotalVolumeOfSales float64   `json:"total_volume_of_sales"`
	RateOfReturn       float64   `json:"rate_of_return"`
}

func (k CountryKPI) Key() string {
	return k.Country + "#" + strconv.FormatInt(k.WindowStart.Unix(), 10)
}

func (k CountryKPI) Columns() []string {
	return []string{"window_start", "window_end", "country", "opm", "total_volume_of_sales", "rate_of_return"}
}

func (k CountryKPI) Values() []any {
	return []any{k.WindowStart, k.WindowEnd, k.Country, k.OPM, k.TotalVolumeOfSales, k.RateOfReturn}
}
