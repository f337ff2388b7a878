package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"
)

// CameraSample mirrors the ingest payload of the service.
type CameraSample struct {
	CameraID        string  `json:"camera_id"`
	SegmentID       string  `json:"segment_id"`
	VehicleCount    int     `json:"vehicle_count"`
	AvgSpeedKmh     float64 `json:"avg_speed"`
	CongestionLevel float64 `json:"congestion_level"`
	Timestamp       string  `json:"timestamp"`
}

const defaultServiceURL = "http://localhost:8080"

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run replay_samples.go <path-to-csv> [service-url] [interval-ms]")
		fmt.Println("Example: go run replay_samples.go samples.csv http://localhost:8080 250")
		fmt.Println()
		fmt.Println("CSV columns: camera_id,segment_id,vehicle_count,avg_speed,congestion_level")
		os.Exit(1)
	}

	csvPath := os.Args[1]
	serviceURL := defaultServiceURL
	if len(os.Args) > 2 {
		serviceURL = os.Args[2]
	}
	interval := 250 * time.Millisecond
	if len(os.Args) > 3 {
		ms, err := strconv.Atoi(os.Args[3])
		if err != nil || ms < 0 {
			fmt.Printf("Error: invalid interval %q\n", os.Args[3])
			os.Exit(1)
		}
		interval = time.Duration(ms) * time.Millisecond
	}

	fmt.Println("Step 1: Reading CSV file...")
	samples, err := readCSV(csvPath)
	if err != nil {
		fmt.Printf("Error reading CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Read %d samples from CSV\n", len(samples))

	fmt.Printf("\nStep 2: Replaying against %s every %v...\n", serviceURL, interval)
	sent, failed := 0, 0
	for i, sample := range samples {
		sample.Timestamp = time.Now().UTC().Format(time.RFC3339)
		if err := postSample(serviceURL, sample); err != nil {
			failed++
			fmt.Printf("  [%d/%d] FAILED %s/%s: %v\n", i+1, len(samples), sample.CameraID, sample.SegmentID, err)
		} else {
			sent++
		}
		time.Sleep(interval)
	}

	fmt.Printf("\n✓ Done: %d sent, %d failed\n", sent, failed)
	if failed > 0 {
		os.Exit(1)
	}
}

func readCSV(path string) ([]CameraSample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = 5

	var samples []CameraSample
	line := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line+1, err)
		}
		line++
		if line == 1 && record[0] == "camera_id" {
			// Header row.
			continue
		}

		count, err := strconv.Atoi(record[2])
		if err != nil {
			return nil, fmt.Errorf("line %d: vehicle_count: %w", line, err)
		}
		speed, err := strconv.ParseFloat(record[3], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: avg_speed: %w", line, err)
		}
		congestion, err := strconv.ParseFloat(record[4], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: congestion_level: %w", line, err)
		}

		samples = append(samples, CameraSample{
			CameraID:        record[0],
			SegmentID:       record[1],
			VehicleCount:    count,
			AvgSpeedKmh:     speed,
			CongestionLevel: congestion,
		})
	}
	return samples, nil
}

func postSample(serviceURL string, sample CameraSample) error {
	body, err := json.Marshal(sample)
	if err != nil {
		return err
	}

	resp, err := http.Post(serviceURL+"/api/v1/cameras/samples", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status %d: %s", resp.StatusCode, string(payload))
	}
	return nil
}
