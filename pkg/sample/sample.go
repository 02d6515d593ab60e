package sample

import (
	"time"

	"github.com/itohio/gocgm/pkg/frame"
)

const (
	// ADCPerVolt is the number of ADC counts per volt.
	ADCPerVolt = 1240.9091
	// RefVolt is the reference voltage (V) the channels are biased around.
	RefVolt = 1.5
	// TimeGain converts the device time code (ms) to seconds.
	TimeGain = 1000.0

	// UricGain is the uric acid channel transimpedance gain (uA).
	UricGain = 20400.0 / 1_000_000.0
	// AscorbicGain is the ascorbic acid channel transimpedance gain (uA).
	AscorbicGain = 4700.0 / 1_000_000.0
	// GlucoseGain is the glucose channel transimpedance gain (mA).
	GlucoseGain = 200.0 / 1000.0
)

// Sample represents a processed measurement with physical values.
type Sample struct {
	Elapsed  float64 `json:"elapsed"`  // Device elapsed time (s)
	Uric     float64 `json:"uric"`     // Uric acid current (uA)
	Ascorbic float64 `json:"ascorbic"` // Ascorbic acid current (uA)
	Glucose  float64 `json:"glucose"`  // Glucose current (mA)
	Voltage  float64 `json:"voltage"`  // Electrode voltage (V)

	ReceivedAt  time.Time `json:"receivedAt"`
	ReceiveTime string    `json:"receiveTime"` // HH:MM:SS.mmm
}

// Point is a single (x, y) pair of a plotted series.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// VoltageFromCode converts an ADC code to a voltage relative to RefVolt.
func VoltageFromCode(code float64) float64 {
	return (code - RefVolt*ADCPerVolt) / ADCPerVolt
}

// Current converts an ADC code to a current using the channel gain.
func Current(code, gain float64) float64 {
	return VoltageFromCode(code) / gain
}

// SupplyVoltage converts the voltage channel ADC code to electrode voltage.
func SupplyVoltage(code float64) float64 {
	return RefVolt - code/ADCPerVolt
}

// ElapsedSeconds converts the device time code to seconds.
func ElapsedSeconds(code float64) float64 {
	return code / TimeGain
}

// Convert transforms a decoded frame into a Sample. Values are not validated.
func Convert(r frame.Record) Sample {
	return Sample{
		Elapsed:     ElapsedSeconds(r.Seconds),
		Uric:        Current(r.Uric, UricGain),
		Ascorbic:    Current(r.Ascorbic, AscorbicGain),
		Glucose:     Current(r.Glucose, GlucoseGain),
		Voltage:     SupplyVoltage(r.Volt),
		ReceivedAt:  r.ReceivedAt,
		ReceiveTime: r.ReceiveTime,
	}
}
