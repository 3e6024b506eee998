// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package bridge

import (
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// getFuzzRounds returns the number of fuzz rounds from FUZZ_ROUNDS env var, default 1000
func getFuzzRounds() int {
	if envRounds := os.Getenv("FUZZ_ROUNDS"); envRounds != "" {
		if rounds, err := strconv.Atoi(envRounds); err == nil && rounds > 0 {
			return rounds
		}
	}
	return 1000
}

// getFuzzSeed returns the seed from FUZZ_SEED env var, or generates one from current time
func getFuzzSeed() int64 {
	if envSeed := os.Getenv("FUZZ_SEED"); envSeed != "" {
		if seed, err := strconv.ParseInt(envSeed, 10, 64); err == nil {
			return seed
		}
	}
	return time.Now().UnixNano()
}

// newFuzzRng creates a new random number generator and logs the seed for reproducibility
func newFuzzRng(t *testing.T) *rand.Rand {
	seed := getFuzzSeed()
	t.Logf("Seed: %d (reproduce with FUZZ_SEED=%d)", seed, seed)
	return rand.New(rand.NewSource(seed))
}

var fuzzKinds = []Kind{
	KindListPorts, KindScan, KindCancelScan, KindDisconnect, KindRead, KindWrite,
	KindAck, KindPorts, KindScanFound, KindScanProgress, KindScanFinished,
	KindReadValue, KindReadError, KindReadFinished, KindError, Kind("reboot"),
}

// buildRandomFrame creates a frame with a random kind and a random CBOR map body
func buildRandomFrame(rng *rand.Rand) *Frame {
	f := &Frame{
		ID:   fmt.Sprintf("%08x-%04x", rng.Uint32(), rng.Intn(0x10000)),
		Kind: fuzzKinds[rng.Intn(len(fuzzKinds))],
	}
	if rng.Intn(4) == 0 {
		f.Error = "remote failure"
	}

	numEntries := rng.Intn(6)
	if numEntries == 0 {
		return f
	}
	body := make(map[int]any)
	for i := 0; i < numEntries; i++ {
		key := rng.Intn(6)
		switch rng.Intn(5) {
		case 0:
			body[key] = rng.Uint64()
		case 1:
			body[key] = -rng.Int63()
		case 2:
			body[key] = rng.Float64()
		case 3:
			body[key] = rng.Intn(2) == 1
		case 4:
			body[key] = []byte{StartByte, EscByte, EndByte, byte(rng.Intn(256))}
		}
	}
	data, err := cbor.Marshal(body)
	if err == nil {
		f.Body = data
	}
	return f
}

// ============================================================
// Decoder Fuzz Tests
// ============================================================

// TestFuzzDecoder_RandomBytes feeds random bytes to the decoder
// and verifies it doesn't crash or panic
func TestFuzzDecoder_RandomBytes(t *testing.T) {
	rounds := getFuzzRounds()
	rng := newFuzzRng(t)
	t.Logf("Running %d fuzz rounds", rounds)

	for i := 0; i < rounds; i++ {
		d := NewDecoder()

		length := rng.Intn(512) + 1
		data := make([]byte, length)
		rng.Read(data)

		for _, b := range data {
			d.DecodeByte(b)
		}
	}
}

// TestFuzzDecoder_RandomFrames encodes random frames and checks that each
// one decodes back unchanged
func TestFuzzDecoder_RandomFrames(t *testing.T) {
	rounds := getFuzzRounds()
	rng := newFuzzRng(t)
	t.Logf("Running %d fuzz rounds", rounds)

	d := NewDecoder()
	for i := 0; i < rounds; i++ {
		f := buildRandomFrame(rng)
		data, err := EncodeStream(f)
		if err != nil {
			t.Fatalf("Round %d: encode failed: %v", i, err)
		}

		var got *Frame
		for _, b := range data {
			out, err := d.DecodeByte(b)
			if err != nil {
				t.Fatalf("Round %d: decode failed: %v", i, err)
			}
			if out != nil {
				got = out
			}
		}
		if got == nil {
			t.Fatalf("Round %d: no frame decoded", i)
		}
		if got.ID != f.ID || got.Kind != f.Kind || got.Error != f.Error || string(got.Body) != string(f.Body) {
			t.Errorf("Round %d: frame changed in transit: %+v != %+v", i, got, f)
		}
	}
}

// TestFuzzDecoder_CorruptedFrames flips a random byte inside valid frames
func TestFuzzDecoder_CorruptedFrames(t *testing.T) {
	rounds := getFuzzRounds()
	rng := newFuzzRng(t)
	t.Logf("Running %d fuzz rounds", rounds)

	for i := 0; i < rounds; i++ {
		d := NewDecoder()
		data, err := EncodeStream(buildRandomFrame(rng))
		if err != nil {
			t.Fatalf("Round %d: encode failed: %v", i, err)
		}

		// skip START and END
		idx := rng.Intn(len(data)-2) + 1
		data[idx] ^= byte(rng.Intn(255) + 1)

		for _, b := range data {
			d.DecodeByte(b)
		}
	}
}

// TestFuzzDecoder_MissingBytes drops random bytes from valid frames, then
// checks that the decoder still accepts the next intact frame
func TestFuzzDecoder_MissingBytes(t *testing.T) {
	rounds := getFuzzRounds()
	rng := newFuzzRng(t)
	t.Logf("Running %d fuzz rounds", rounds)

	for i := 0; i < rounds; i++ {
		d := NewDecoder()
		data, err := EncodeStream(buildRandomFrame(rng))
		if err != nil {
			t.Fatalf("Round %d: encode failed: %v", i, err)
		}

		numToRemove := rng.Intn(5) + 1
		for j := 0; j < numToRemove && len(data) > 2; j++ {
			idx := rng.Intn(len(data))
			data = append(data[:idx], data[idx+1:]...)
		}
		for _, b := range data {
			d.DecodeByte(b)
		}

		intact, err := EncodeStream(&Frame{ID: "next", Kind: KindAck})
		if err != nil {
			t.Fatalf("Round %d: encode failed: %v", i, err)
		}
		var got *Frame
		for _, b := range intact {
			if out, _ := d.DecodeByte(b); out != nil {
				got = out
			}
		}
		if got == nil || got.ID != "next" {
			t.Errorf("Round %d: decoder did not recover after a damaged frame", i)
		}
	}
}

// TestFuzzDecoder_RepeatedStart tests handling of repeated START bytes
func TestFuzzDecoder_RepeatedStart(t *testing.T) {
	rounds := getFuzzRounds()
	rng := newFuzzRng(t)
	t.Logf("Running %d fuzz rounds", rounds)

	data, err := EncodeStream(&Frame{ID: "req", Kind: KindReadFinished})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	for i := 0; i < rounds; i++ {
		d := NewDecoder()

		numStarts := rng.Intn(100) + 1
		for j := 0; j < numStarts; j++ {
			d.DecodeByte(StartByte)
		}

		// the leading START of the frame is one more
		var got *Frame
		for _, b := range data {
			f, err := d.DecodeByte(b)
			if err != nil {
				t.Errorf("Round %d: unexpected error after repeated START: %v", i, err)
			}
			if f != nil {
				got = f
			}
		}
		if got == nil {
			t.Errorf("Round %d: expected valid frame after repeated START", i)
		}
	}
}

// ============================================================
// CRC Fuzz Tests
// ============================================================

// TestFuzzCRC_RandomData checks that a single flipped bit always changes the CRC
func TestFuzzCRC_RandomData(t *testing.T) {
	rounds := getFuzzRounds()
	rng := newFuzzRng(t)
	t.Logf("Running %d fuzz rounds", rounds)

	for i := 0; i < rounds; i++ {
		data := make([]byte, rng.Intn(256)+1)
		rng.Read(data)
		crc := CalculateCRC(data)

		if again := CalculateCRC(data); again != crc {
			t.Fatalf("Round %d: CRC is not deterministic", i)
		}

		data[rng.Intn(len(data))] ^= 1 << rng.Intn(8)
		if CalculateCRC(data) == crc {
			t.Errorf("Round %d: single bit flip not detected", i)
		}
	}
}

// ============================================================
// Validation and Formatter Fuzz Tests
// ============================================================

// TestFuzzValidation_RandomFrames validates random frames without panicking
func TestFuzzValidation_RandomFrames(t *testing.T) {
	rounds := getFuzzRounds()
	rng := newFuzzRng(t)
	t.Logf("Running %d fuzz rounds", rounds)

	for i := 0; i < rounds; i++ {
		f := buildRandomFrame(rng)
		errs := ValidateFrame(f)
		if !f.Kind.Known() && len(errs) == 0 {
			t.Errorf("Round %d: unknown kind %q passed validation", i, f.Kind)
		}
	}
}

// TestFuzzFormatter_RandomFrames formats random frames without panicking
func TestFuzzFormatter_RandomFrames(t *testing.T) {
	rounds := getFuzzRounds()
	rng := newFuzzRng(t)
	t.Logf("Running %d fuzz rounds", rounds)

	for i := 0; i < rounds; i++ {
		f := buildRandomFrame(rng)
		if result := FormatFrame(f, Direction(rng.Intn(2)), time.Now()); result == "" {
			t.Errorf("Round %d: FormatFrame returned empty string", i)
		}
		if kind := FormatKind(f.Kind); kind == "" {
			t.Errorf("Round %d: FormatKind returned empty string", i)
		}
	}
}
