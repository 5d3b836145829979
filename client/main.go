package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mahaj/chatcore/pkg/model"
)

type LoginResponse struct {
	Token string `json:"token"`
}

func login(apiAddr, userID string) (string, error) {
	reqBody, _ := json.Marshal(map[string]string{"user_id": userID, "name": userID})
	resp, err := http.Post(apiAddr+"/login", "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("login failed: %s", string(body))
	}

	var loginResp LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&loginResp); err != nil {
		return "", err
	}
	return loginResp.Token, nil
}

// openDirect opens (or finds) the direct chat with peer and returns its id.
func openDirect(apiAddr, token, peer string) (string, error) {
	reqBody, _ := json.Marshal(map[string][]string{"members": {peer}})
	req, err := http.NewRequest(http.MethodPost, apiAddr+"/chats", bytes.NewBuffer(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("open chat failed: %s", string(body))
	}
	var chat struct {
		ID string `json:"_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return "", err
	}
	return chat.ID, nil
}

// session tracks what the interactive commands need from incoming frames.
type session struct {
	mu         sync.Mutex
	conn       *websocket.Conn
	handle     string
	peerHandle string
	callID     string
}

func (s *session) emit(event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(model.Frame{Event: event, Data: raw})
}

func (s *session) remember(f func(s *session)) {
	s.mu.Lock()
	f(s)
	s.mu.Unlock()
}

func (s *session) print(frame model.Frame) {
	switch frame.Event {
	case model.EventConnected:
		var c model.Connected
		_ = json.Unmarshal(frame.Data, &c)
		s.remember(func(s *session) { s.handle = c.Handle })
		fmt.Printf("\rconnected as %s (handle %s)\n> ", c.UserID, c.Handle)
	case model.EventReceiveMessage:
		var m struct {
			Content string `json:"message_content"`
			Type    string `json:"message_type"`
			Sender  struct {
				ID   string `json:"_id"`
				Name string `json:"name"`
			} `json:"sender"`
		}
		_ = json.Unmarshal(frame.Data, &m)
		name := m.Sender.Name
		if name == "" {
			name = m.Sender.ID
		}
		fmt.Printf("\r%s: %s\n> ", name, m.Content)
	case model.EventUnreadCount:
		var u model.UnreadCount
		_ = json.Unmarshal(frame.Data, &u)
		fmt.Printf("\r[%s] %d unread\n> ", u.ChatID, u.Count)
	case model.EventOffer:
		var o struct {
			CallID   string `json:"callId"`
			Caller   string `json:"caller"`
			CallType string `json:"callType"`
			From     string `json:"from"`
		}
		_ = json.Unmarshal(frame.Data, &o)
		s.remember(func(s *session) { s.peerHandle, s.callID = o.From, o.CallID })
		fmt.Printf("\rincoming %s call from %s, /answer to pick up\n> ", o.CallType, o.Caller)
	case model.EventAnswer:
		var a struct {
			From string `json:"from"`
		}
		_ = json.Unmarshal(frame.Data, &a)
		s.remember(func(s *session) { s.peerHandle = a.From })
		fmt.Print("\rcall answered\n> ")
	case model.EventCallInitiated:
		var c struct {
			CallID string `json:"callId"`
		}
		_ = json.Unmarshal(frame.Data, &c)
		s.remember(func(s *session) { s.callID = c.CallID })
		fmt.Printf("\rcalling (call %s)\n> ", c.CallID)
	case model.EventCallEnded:
		var e struct {
			Status   string `json:"status"`
			Duration string `json:"duration"`
		}
		_ = json.Unmarshal(frame.Data, &e)
		s.remember(func(s *session) { s.peerHandle, s.callID = "", "" })
		fmt.Printf("\rcall %s %s\n> ", e.Status, e.Duration)
	default:
		fmt.Printf("\r%s: %s\n> ", frame.Event, frame.Data)
	}
}

// command turns one line of input into an outgoing event.
func (s *session) command(userID, chatID, text string) error {
	s.mu.Lock()
	peer, callID := s.peerHandle, s.callID
	s.mu.Unlock()

	fields := strings.Fields(text)
	switch fields[0] {
	case "/read":
		return s.emit(model.EventMessageRead, model.MessageRead{ChatID: chatID, UserID: userID})
	case "/call":
		if len(fields) < 2 {
			return fmt.Errorf("usage: /call <user> [audio|video]")
		}
		callType := model.CallVideo
		if len(fields) > 2 {
			callType = model.CallType(fields[2])
		}
		return s.emit(model.EventOffer, model.Offer{
			Offer:    json.RawMessage(`{"type":"offer","sdp":""}`),
			Caller:   userID,
			Receiver: fields[1],
			ChatID:   chatID,
			CallType: callType,
		})
	case "/answer":
		if peer == "" {
			return fmt.Errorf("no incoming call")
		}
		return s.emit(model.EventAnswer, map[string]any{
			"answer":       json.RawMessage(`{"type":"answer","sdp":""}`),
			"targetHandle": peer,
			"callId":       callID,
		})
	case "/end":
		if callID == "" {
			return fmt.Errorf("no active call")
		}
		return s.emit(model.EventEndCall, map[string]any{"targetHandle": peer, "callId": callID})
	}
	return s.emit(model.EventSendMessage, model.SendMessage{
		ChatID:  chatID,
		Sender:  userID,
		Content: text,
		Type:    model.TypeText,
	})
}

func main() {
	serverAddr := flag.String("addr", "localhost:8080", "gateway service address")
	apiAddr := flag.String("api", "http://localhost:8081", "api service address")
	userID := flag.String("user", "user1", "user id")
	chatID := flag.String("chat", "", "chat id")
	dmUser := flag.String("dm", "", "user id to dm (overrides -chat)")
	flag.Parse()

	log.Printf("Logging in as %s...", *userID)
	token, err := login(*apiAddr, *userID)
	if err != nil {
		log.Fatal("Login failed:", err)
	}

	if *dmUser != "" {
		id, err := openDirect(*apiAddr, token, *dmUser)
		if err != nil {
			log.Fatal("Open chat failed:", err)
		}
		*chatID = id
	}
	if *chatID == "" {
		log.Fatal("one of -chat or -dm is required")
	}
	log.Printf("Chatting in %s", *chatID)

	u := url.URL{Scheme: "ws", Host: *serverAddr, Path: "/ws"}
	log.Printf("connecting to %s", u.String())

	header := http.Header{}
	header.Add("Authorization", "Bearer "+token)
	c, _, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer c.Close()

	s := &session{conn: c}
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			var frame model.Frame
			if err := c.ReadJSON(&frame); err != nil {
				log.Println("read:", err)
				return
			}
			s.print(frame)
		}
	}()

	if err := s.emit(model.EventJoinChat, model.JoinChat{UserID: *userID, ChatID: *chatID}); err != nil {
		log.Fatal("join:", err)
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		fmt.Print("> ")
		for scanner.Scan() {
			text := strings.TrimSpace(scanner.Text())
			if text == "" {
				fmt.Print("> ")
				continue
			}
			if text == "/quit" {
				interrupt <- os.Interrupt
				return
			}
			if err := s.command(*userID, *chatID, text); err != nil {
				log.Println("write:", err)
			}
			fmt.Print("> ")
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-interrupt:
			log.Println("interrupt")

			s.mu.Lock()
			err := c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			s.mu.Unlock()
			if err != nil {
				log.Println("write close:", err)
				return
			}
			select {
			case <-done:
			case <-time.After(time.Second):
			}
			return
		}
	}
}
