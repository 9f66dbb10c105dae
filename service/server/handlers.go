package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/brojonat/fogwatch/service/db"
	"github.com/brojonat/fogwatch/service/query"
)

const (
	defaultVolumeBucket = time.Hour
	maxNodeIDLength     = 128
)

// handleListNodes returns every registered node with its derived status.
// GET /api/v1/nodes
func handleListNodes(svc *query.Service, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nodes, err := svc.NodeStatuses(r.Context())
		if err != nil {
			writeQueryError(w, logger, "failed to list nodes", err)
			return
		}

		writeJSON(w, map[string]interface{}{
			"nodes": nodes,
			"count": len(nodes),
		}, http.StatusOK)
	})
}

// handleGetNode returns a single node.
// GET /api/v1/nodes/{node_id}
func handleGetNode(svc *query.Service, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nodeID := r.PathValue("node_id")
		if err := validateNodeID(nodeID); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		node, err := svc.NodeStatus(r.Context(), nodeID)
		if err != nil {
			writeQueryError(w, logger, "failed to get node", err, "node_id", nodeID)
			return
		}
		writeJSON(w, node, http.StatusOK)
	})
}

// handleListTransactions returns the most recent transactions.
// GET /api/v1/transactions?limit=N&node_id=ID
func handleListTransactions(svc *query.Service, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit, nodeID, err := parseRecentParams(r)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		txns, err := svc.RecentTransactions(r.Context(), limit, nodeID)
		if err != nil {
			writeQueryError(w, logger, "failed to list transactions", err)
			return
		}

		logger.Debug("transactions listed", "count", len(txns))
		writeJSON(w, map[string]interface{}{
			"transactions": txns,
			"count":        len(txns),
		}, http.StatusOK)
	})
}

// handleListFraudResults returns the most recent classification results.
// GET /api/v1/fraud-results?limit=N&node_id=ID
func handleListFraudResults(svc *query.Service, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit, nodeID, err := parseRecentParams(r)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		results, err := svc.RecentFraudResults(r.Context(), limit, nodeID)
		if err != nil {
			writeQueryError(w, logger, "failed to list fraud results", err)
			return
		}

		writeJSON(w, map[string]interface{}{
			"fraud_results": results,
			"count":         len(results),
		}, http.StatusOK)
	})
}

// handleFraudRate returns the fraud fraction per node.
// GET /api/v1/stats/fraud-rate
func handleFraudRate(svc *query.Service, cache *aggregateCache, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rates, err := cached(cache, "fraud_rate", "fraud-rate", func() ([]query.FraudRate, error) {
			return svc.FraudRateByNode(r.Context())
		})
		if err != nil {
			writeQueryError(w, logger, "failed to compute fraud rate", err)
			return
		}
		writeJSON(w, map[string]interface{}{
			"fraud_rates": rates,
		}, http.StatusOK)
	})
}

// handleVolume returns transaction counts per time bucket.
// GET /api/v1/stats/volume?bucket=1h&since=24h
// since is either a duration back from now or an RFC 3339 timestamp.
func handleVolume(svc *query.Service, cache *aggregateCache, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		bucket := defaultVolumeBucket
		if raw := q.Get("bucket"); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil {
				writeError(w, "invalid bucket parameter: must be a duration such as 1h", http.StatusBadRequest)
				return
			}
			bucket = d
		}

		sinceRaw := q.Get("since")
		since, err := parseSince(sinceRaw, time.Now())
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		key := fmt.Sprintf("volume|%s|%s", bucket, sinceRaw)
		buckets, err := cached(cache, "volume", key, func() ([]query.VolumeBucket, error) {
			return svc.VolumeOverTime(r.Context(), bucket, since)
		})
		if err != nil {
			writeQueryError(w, logger, "failed to compute volume", err)
			return
		}
		writeJSON(w, map[string]interface{}{
			"bucket":  bucket.String(),
			"buckets": buckets,
		}, http.StatusOK)
	})
}

// handleSummary returns fleet-wide totals.
// GET /api/v1/stats/summary
func handleSummary(svc *query.Service, cache *aggregateCache, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sum, err := cached(cache, "summary", "summary", func() (*query.Summary, error) {
			return svc.Summary(r.Context())
		})
		if err != nil {
			writeQueryError(w, logger, "failed to compute summary", err)
			return
		}
		writeJSON(w, sum, http.StatusOK)
	})
}

func parseRecentParams(r *http.Request) (int, *string, error) {
	q := r.URL.Query()

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return 0, nil, errors.New("invalid limit parameter: must be an integer")
		}
		if n < 1 {
			return 0, nil, errors.New("limit must be at least 1")
		}
		limit = n
	}

	var nodeID *string
	if raw := q.Get("node_id"); raw != "" {
		if err := validateNodeID(raw); err != nil {
			return 0, nil, err
		}
		nodeID = &raw
	}
	return limit, nodeID, nil
}

func parseSince(raw string, now time.Time) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		if d <= 0 {
			return time.Time{}, errors.New("since must be a positive duration")
		}
		return now.Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, errors.New("invalid since parameter: must be a duration such as 24h or an RFC 3339 timestamp")
	}
	return t, nil
}

func validateNodeID(nodeID string) error {
	if nodeID == "" {
		return errors.New("node_id is required")
	}
	if len(nodeID) > maxNodeIDLength {
		return fmt.Errorf("node_id too long: maximum length is %d characters", maxNodeIDLength)
	}
	return nil
}

// writeQueryError maps query errors to status codes and hides internal details.
func writeQueryError(w http.ResponseWriter, logger *slog.Logger, msg string, err error, attrs ...any) {
	switch {
	case errors.Is(err, query.ErrInvalidArgument):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, db.ErrNotFound):
		writeError(w, "not found", http.StatusNotFound)
	default:
		logger.Error(msg, append(attrs, "error", err)...)
		writeError(w, "internal server error", http.StatusInternalServerError)
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	writeJSON(w, map[string]string{"error": message}, statusCode)
}
