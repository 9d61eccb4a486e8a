package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

var httpClient = &http.Client{Timeout: 10 * time.Second}

func runSubmit(baseURL, taskFile string) error {
	var r io.Reader
	if taskFile == "-" || taskFile == "" {
		r = os.Stdin
	} else {
		f, err := os.Open(taskFile)
		if err != nil {
			return fmt.Errorf("open task file: %w", err)
		}
		defer f.Close()
		r = f
	}

	body, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read task document: %w", err)
	}

	resp, err := httpClient.Post(baseURL+"/v1/tasks", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("submit task: %w", err)
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func runStatus(baseURL, taskID string) error {
	if taskID == "" {
		return fmt.Errorf("missing --task-id")
	}
	resp, err := httpClient.Get(baseURL + "/v1/tasks/" + taskID)
	if err != nil {
		return fmt.Errorf("get task status: %w", err)
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

type pleadClientRequest struct {
	TaskID     string `json:"taskId"`
	ApproverID string `json:"approverId"`
	Decision   string `json:"decision"`
	Reasoning  string `json:"reasoning"`
}

func runPlead(baseURL, taskID, approverID, kind, reason string) error {
	if taskID == "" || approverID == "" {
		return fmt.Errorf("missing --task-id or --approver")
	}
	payload, err := json.Marshal(pleadClientRequest{TaskID: taskID, ApproverID: approverID, Decision: kind, Reasoning: reason})
	if err != nil {
		return fmt.Errorf("marshal pleading decision: %w", err)
	}

	resp, err := httpClient.Post(baseURL+"/v1/pleading", "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("submit pleading decision: %w", err)
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func printResponse(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("daemon returned %s: %s", resp.Status, body)
	}
	if len(body) > 0 {
		fmt.Println(string(body))
	}
	return nil
}
