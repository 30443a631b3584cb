package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	machinetimeapp "machine-time/internal/machinetime/application"
	signals "machine-time/internal/signals/domain"
)

// SignalIngester processes one raw adapter signal.
type SignalIngester interface {
	Ingest(ctx context.Context, raw signals.RawSignal) (machinetimeapp.IngestResult, error)
}

// IngestHandler accepts adapter pushes. The body is a single signal, an
// array of signals, or an object with a "signals" array.
type IngestHandler struct {
	ingester SignalIngester
	logger   *log.Logger
}

// NewIngestHandler constructs an ingest handler.
func NewIngestHandler(ingester SignalIngester, logger *log.Logger) (*IngestHandler, error) {
	if ingester == nil {
		return nil, errors.New("signal ingest: nil ingester")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &IngestHandler{ingester: ingester, logger: logger}, nil
}

type ingestBatch struct {
	Signals []signals.RawSignal `json:"signals"`
}

type ingestItem struct {
	machinetimeapp.IngestResult
	Rejected string `json:"rejected,omitempty"`
	Error    string `json:"error,omitempty"`
}

type ingestResponse struct {
	Accepted int          `json:"accepted"`
	Rejected int          `json:"rejected"`
	Results  []ingestItem `json:"results"`
}

// ServeHTTP ingests signals.
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Printf("signal ingest: read body error: %v", err)
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	raws, err := decodeSignals(body)
	if err != nil {
		h.logger.Printf("signal ingest: decode error: %v", err)
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if len(raws) == 0 {
		http.Error(w, "no signals", http.StatusBadRequest)
		return
	}

	resp := ingestResponse{Results: make([]ingestItem, 0, len(raws))}
	for _, raw := range raws {
		result, err := h.ingester.Ingest(r.Context(), raw)
		item := ingestItem{IngestResult: result}
		if err != nil {
			item.EquipmentID = raw.EquipmentID
			item.Rejected = machinetimeapp.RejectReason(err)
			item.Error = err.Error()
			resp.Rejected++
		} else {
			resp.Accepted++
		}
		resp.Results = append(resp.Results, item)
	}

	status := http.StatusOK
	if resp.Accepted == 0 {
		status = http.StatusUnprocessableEntity
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func decodeSignals(body []byte) ([]signals.RawSignal, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var raws []signals.RawSignal
		if err := json.Unmarshal(trimmed, &raws); err != nil {
			return nil, err
		}
		return raws, nil
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return nil, err
	}
	if _, ok := probe["signals"]; ok {
		var batch ingestBatch
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return nil, err
		}
		return batch.Signals, nil
	}
	var raw signals.RawSignal
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, err
	}
	return []signals.RawSignal{raw}, nil
}
