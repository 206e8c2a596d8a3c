package agent

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/dtn7/paftp-go/core"
)

const restTestAddress = "127.0.0.1:35090"

// awaitServer polls until the agent's HTTP server answers.
func awaitServer(t *testing.T, url string) *http.Response {
	var (
		resp *http.Response
		err  error
	)

	for i := 0; i < 100; i++ {
		if resp, err = http.Get(url); err == nil {
			return resp
		}
		time.Sleep(50 * time.Millisecond)
	}

	t.Fatal(err)
	return nil
}

func TestRESTAgent(t *testing.T) {
	layer := core.NewLayer(nil)
	defer func() { _ = layer.Close() }()

	agent := NewRESTAgent(layer, restTestAddress)
	defer func() { _ = agent.Close() }()

	resp := awaitServer(t, fmt.Sprintf("http://%s/sessions", restTestAddress))
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /sessions returned %d", resp.StatusCode)
	}

	var sessions []restSession
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 0 {
		t.Fatalf("expected no sessions, got %v", sessions)
	}

	// Without a configured store, /peers must answer 404.
	peersResp, err := http.Get(fmt.Sprintf("http://%s/peers", restTestAddress))
	if err != nil {
		t.Fatal(err)
	}
	defer peersResp.Body.Close()

	if peersResp.StatusCode != http.StatusNotFound {
		t.Fatalf("GET /peers returned %d", peersResp.StatusCode)
	}

	// An empty message must be rejected, before its session is looked up.
	sendResp, err := http.Post(
		fmt.Sprintf("http://%s/send/23", restTestAddress), "application/octet-stream", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer sendResp.Body.Close()

	if sendResp.StatusCode != http.StatusBadRequest {
		t.Fatalf("POST /send/23 returned %d", sendResp.StatusCode)
	}
}
