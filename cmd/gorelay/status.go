package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/basket/go-relay/internal/config"
)

func runStatusCommand(ctx context.Context, args []string, stdout io.Writer) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: gorelay status")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	// /healthz answers 503 with a full body when the store is degraded.
	var health map[string]any
	err = newAdminClient(cfg).do(reqCtx, http.MethodGet, "/healthz", nil, &health)
	var apiErr *apiError
	switch {
	case errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable:
		fmt.Fprintln(stdout, apiErr.Message)
		return 1
	case err != nil:
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(health)
	return 0
}
