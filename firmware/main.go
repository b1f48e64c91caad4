//go:build tinygo

//go:generate tinygo flash -target=xiao

package main

import (
	"machine"
	"time"
)

var (
	adcAccel machine.ADC
	uart     = machine.Serial

	// Set once the host asks us to halt
	suspended bool
)

func main() {
	PIN_TRIGGER.Configure(machine.PinConfig{Mode: machine.PinOutput})
	PIN_TRIGGER.Low()
	PIN_ECHO.Configure(machine.PinConfig{Mode: machine.PinInputPulldown})

	machine.InitADC()
	adcAccel = machine.ADC{Pin: PIN_ACCEL}
	adcAccel.Configure(machine.ADCConfig{
		Reference:  ADC_REFERENCE_MV,
		Resolution: ADC_RESOLUTION,
	})

	uart.Configure(machine.UARTConfig{
		BaudRate: UART_BAUD_RATE,
	})

	for !suspended {
		processSerial()
		time.Sleep(100 * time.Microsecond)
	}

	halt()
}

func processSerial() {
	for uart.Buffered() > 0 {
		data, err := uart.ReadByte()
		if err != nil {
			break
		}

		switch data {
		case 'E':
			print("E,")
			print(measureEcho())
			print("\n")
		case 'A':
			print("A,")
			print(readAccel())
			print("\n")
		case 'S':
			print("S\n")
			suspended = true
			return
		default:
			// Newlines, whitespace and noise are ignored
		}
	}
}

// measureEcho fires one trigger pulse and returns the echo width in
// microseconds, or 0 if either edge did not arrive in time.
func measureEcho() uint32 {
	PIN_TRIGGER.Low()
	time.Sleep(TRIGGER_SETTLE_US * time.Microsecond)
	PIN_TRIGGER.High()
	time.Sleep(TRIGGER_PULSE_US * time.Microsecond)
	PIN_TRIGGER.Low()

	deadline := time.Now().Add(ECHO_TIMEOUT_US * time.Microsecond)
	for !PIN_ECHO.Get() {
		if time.Now().After(deadline) {
			return 0
		}
	}

	start := time.Now()
	deadline = start.Add(ECHO_TIMEOUT_US * time.Microsecond)
	for PIN_ECHO.Get() {
		if time.Now().After(deadline) {
			return 0
		}
	}

	return uint32(time.Since(start) / time.Microsecond)
}

// readAccel returns one sample scaled to ADC_RESOLUTION bits.
func readAccel() uint16 {
	// Get always returns a 16-bit left-aligned value
	return adcAccel.Get() >> (16 - ADC_RESOLUTION)
}

// halt parks the MCU. There is no wake path short of a reset.
func halt() {
	PIN_TRIGGER.Low()
	for {
		time.Sleep(time.Hour)
	}
}
