package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
)

type LoginResponse struct {
	Token string `json:"token"`
}

func get(apiAddr, token, path string) {
	req, _ := http.NewRequest(http.MethodGet, apiAddr+path, nil)
	req.Header.Add("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("%s request failed: %v", path, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	log.Printf("%s -> %d %s", path, resp.StatusCode, string(body))
}

func main() {
	apiAddr := flag.String("api", "http://localhost:8081", "api service address")
	userID := flag.String("user", "test_user", "user id")
	peer := flag.String("peer", "test_peer", "user id to open a direct chat with")
	flag.Parse()

	// 1. Login
	reqBody, _ := json.Marshal(map[string]string{"user_id": *userID})
	resp, err := http.Post(*apiAddr+"/login", "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		log.Fatal(err)
	}
	defer resp.Body.Close()

	var loginResp LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&loginResp); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Token: %s...\n", loginResp.Token[:10])

	// 2. Register a push subscription
	sub, _ := json.Marshal(map[string]any{
		"endpoint": "https://push.example.com/" + *userID,
		"keys":     map[string]string{"p256dh": "BPkey", "auth": "YXV0aA"},
	})
	req, _ := http.NewRequest(http.MethodPost, *apiAddr+"/subscriptions", bytes.NewBuffer(sub))
	req.Header.Add("Authorization", "Bearer "+loginResp.Token)
	req.Header.Set("Content-Type", "application/json")
	subResp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatal("Subscription request failed:", err)
	}
	subResp.Body.Close()
	log.Printf("/subscriptions -> %d", subResp.StatusCode)

	// 3. Open a direct chat
	chatBody, _ := json.Marshal(map[string]any{"members": []string{*peer}})
	req, _ = http.NewRequest(http.MethodPost, *apiAddr+"/chats", bytes.NewBuffer(chatBody))
	req.Header.Add("Authorization", "Bearer "+loginResp.Token)
	req.Header.Set("Content-Type", "application/json")
	chatResp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatal("Chat request failed:", err)
	}
	defer chatResp.Body.Close()

	var chat struct {
		ID string `json:"_id"`
	}
	if err := json.NewDecoder(chatResp.Body).Decode(&chat); err != nil {
		log.Fatal(err)
	}
	log.Printf("/chats -> %d %s", chatResp.StatusCode, chat.ID)

	// 4. Chat state
	chatPath := "/chats/" + url.PathEscape(chat.ID)
	get(*apiAddr, loginResp.Token, "/chats")
	get(*apiAddr, loginResp.Token, chatPath)
	get(*apiAddr, loginResp.Token, "/history?chat_id="+url.QueryEscape(chat.ID))
	get(*apiAddr, loginResp.Token, chatPath+"/online")
	get(*apiAddr, loginResp.Token, "/calls")
}
