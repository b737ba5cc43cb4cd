package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"mcp-agent-worker/sdk/go/agentclient"
)

func main() {
	baseURL := flag.String("url", "http://localhost:8000", "agent worker base url")
	userID := flag.String("user", "demo-user", "user id")
	token := flag.String("token", os.Getenv("AGENT_TOKEN"), "bearer token when auth is enabled")
	message := flag.String("message", "What tools can you use?", "message to send")
	planJSON := flag.String("plan", "", "optional JSON plan to run asynchronously")
	flag.Parse()

	client, err := agentclient.NewClient(*baseURL, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *token != "" {
		client.SetAccessToken(*token)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	reply, err := client.SendMessage(ctx, agentclient.Message{Message: *message, UserID: *userID})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("agent: %s\n", reply.Message)

	if *planJSON == "" {
		return
	}
	job, err := client.SubmitPlan(ctx, agentclient.PlanSubmission{UserID: *userID, PlanJSON: json.RawMessage(*planJSON)})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("submitted plan %s (status=%s)\n", job.ID, job.Status)

	done, err := client.WaitForPlan(ctx, job.ID, 2*time.Second)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("plan %s finished with status=%s reply=%q\n", done.ID, done.Status, done.Reply)
}
