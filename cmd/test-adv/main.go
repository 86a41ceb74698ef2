// Command test-adv is a manual check of what the peripheral puts on air.
// It prints the advertising bytes a device name encodes to and the parsed
// result, then the notification payload for one simulated sensor sample
// and that payload decoded again.
//
// Usage:
//
//	go run ./cmd/test-adv [--name ESP32_Device] [--codec json|protobuf]
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"

	"github.com/chaz8081/blesense/internal/ble/adv"
	"github.com/chaz8081/blesense/internal/ble/protocol"
	"github.com/chaz8081/blesense/internal/sensor"
)

func main() {
	name := flag.String("name", "ESP32_Device", "advertised device name")
	codecName := flag.String("codec", "json", "notification codec: json or protobuf")
	flag.Parse()

	payload, err := adv.Encode(*name)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Name:    %q\n", *name)
	fmt.Printf("Length:  %d/%d bytes\n", len(payload), adv.MaxPacketLen)
	fmt.Printf("Payload: % x\n", payload)
	fmt.Printf("Hex:     %s\n", hex.EncodeToString(payload))

	parsed, err := adv.Parse(payload)
	if err != nil {
		fmt.Printf("Parse error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Parsed:  flags=0x%02x name=%q\n", parsed.Flags, parsed.LocalName)

	codec, err := protocol.CodecByName(*codecName)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	rec, err := sensor.NewSimulated().Sample()
	if err != nil {
		fmt.Printf("Sample error: %v\n", err)
		os.Exit(1)
	}
	notify, err := codec.Encode(rec)
	if err != nil {
		fmt.Printf("Encode error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("\nNotify (%s, %d bytes): % x\n", codec.Name(), len(notify), notify)

	decoded, err := codec.Decode(notify)
	if err != nil {
		fmt.Printf("Decode error: %v\n", err)
		os.Exit(1)
	}
	for _, k := range decoded.Keys() {
		fmt.Printf("  %-12s %v\n", k+":", decoded[k])
	}
}
