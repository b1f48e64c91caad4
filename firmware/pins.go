//go:build tinygo

package main

import "machine"

const (
	// Ranging configuration
	TRIGGER_SETTLE_US = 2       // Trigger held low before the pulse
	TRIGGER_PULSE_US  = 10      // Trigger pulse width
	ECHO_TIMEOUT_US   = 1000000 // Give up waiting for either echo edge after 1s

	// ADC configuration
	ADC_REFERENCE_MV = 3300 // Reference voltage in millivolts (3.3V)
	ADC_RESOLUTION   = 10   // Reported resolution in bits (0-1023)

	// Ultrasonic pins
	PIN_TRIGGER = machine.D2
	PIN_ECHO    = machine.D1

	// Accelerometer pin
	PIN_ACCEL = machine.A0

	// Serial configuration
	// Replies are at most "E,1000000\n" = 10 bytes; the host sends one
	// command per reply so 115200 leaves plenty of headroom.
	UART_BAUD_RATE = 115200
)
