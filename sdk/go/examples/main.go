package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"AgentDesk/sdk/go/agentdesk"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/batches", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(agentdesk.Batch{ID: "batch-demo", Status: "INIT", TotalCount: 2, StartedAt: time.Now().UTC()})
	})
	mux.HandleFunc("/api/v1/batches/batch-demo", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(agentdesk.Batch{
			ID:           "batch-demo",
			Status:       "SENT",
			TotalCount:   2,
			SuccessCount: 2,
			Results: []agentdesk.Result{
				{Success: true, Hash: "0xaaa", Path: "gasless", Tx: agentdesk.Transfer{RecipientRaw: "alice", Amount: "1"}},
				{Success: true, Hash: "0xbbb", Path: "standard", Tx: agentdesk.Transfer{RecipientRaw: "bob", Amount: "2"}},
			},
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := agentdesk.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}
	client.SetUser("demo-user")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch, err := client.SubmitBatch(ctx, agentdesk.BatchSubmission{
		Text:     "alice 1\nbob 2",
		Wallet:   json.RawMessage(`{"address":"demo"}`),
		Password: "secret",
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("submitted batch %s (status=%s)\n", batch.ID, batch.Status)

	done, err := client.WaitBatch(ctx, batch.ID, 100*time.Millisecond)
	if err != nil {
		panic(err)
	}
	for _, res := range done.Results {
		fmt.Printf("%s %s -> %s via %s\n", res.Tx.RecipientRaw, res.Tx.Amount, res.Hash, res.Path)
	}
}
