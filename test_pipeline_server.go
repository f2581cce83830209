package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/skypro1111/ws-audio-ingest/internal/audio"
)

type ProcessResponse struct {
	RequestID   string    `json:"request_id"`
	Text        string    `json:"text"`
	Confidence  float32   `json:"confidence"`
	ProcessedAt time.Time `json:"processed_at"`
}

func processHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Parse multipart form
	err := r.ParseMultipartForm(10 << 20) // 10 MB
	if err != nil {
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	requestID := r.FormValue("request_id")
	sessionID := r.FormValue("session_id")
	startSeq := r.FormValue("start_seq")
	endSeq := r.FormValue("end_seq")
	sampleRate := r.FormValue("sample_rate")
	partial := r.FormValue("partial")
	format := r.FormValue("format")
	duration := r.FormValue("duration")

	// Get audio file
	file, header, err := r.FormFile("audio")
	if err != nil {
		http.Error(w, "Error getting audio file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	audioData, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Error reading audio file", http.StatusInternalServerError)
		return
	}

	log.Printf("PROCESS REQUEST RECEIVED:")
	log.Printf("  Request ID: %s", requestID)
	log.Printf("  Session ID: %s", sessionID)
	log.Printf("  Sequence: %s-%s", startSeq, endSeq)
	log.Printf("  Duration: %s seconds", duration)
	log.Printf("  Sample Rate: %s Hz", sampleRate)
	log.Printf("  Partial: %s", partial)
	log.Printf("  Filename: %s", header.Filename)
	log.Printf("  Format: %s", format)
	log.Printf("  Audio Size: %d bytes", len(audioData))

	if format == "wav" {
		if err := audio.ValidateWAV(audioData); err != nil {
			log.Printf("  REJECTED: invalid WAV payload: %v", err)
			http.Error(w, fmt.Sprintf("Invalid WAV payload: %v", err), http.StatusBadRequest)
			return
		}
		if wavDuration, err := audio.GetWAVDuration(audioData); err == nil {
			log.Printf("  WAV Duration: %.3f seconds", wavDuration)
		}
	}

	// Simulate processing time
	time.Sleep(200 * time.Millisecond)

	response := ProcessResponse{
		RequestID:   requestID,
		Text:        fmt.Sprintf("processed %d bytes of audio (seq %s-%s)", len(audioData), startSeq, endSeq),
		Confidence:  0.95,
		ProcessedAt: time.Now(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)

	log.Printf("PROCESS RESPONSE SENT: '%s'", response.Text)
	log.Println("---")
}

func main() {
	http.HandleFunc("/process", processHandler)

	port := ":9000"
	log.Printf("Test Pipeline Server starting on port %s", port)
	log.Printf("Endpoint: http://localhost%s/process", port)
	log.Println("Update your config to use: http://localhost:9000/process")

	if err := http.ListenAndServe(port, nil); err != nil {
		log.Fatal("Server failed to start:", err)
	}
}
