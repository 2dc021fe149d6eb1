package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	flag "github.com/spf13/pflag"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat."

var loremWords = strings.Fields(loremIpsum)

// Stats tracks performance metrics
type Stats struct {
	messagesPosted    atomic.Int64
	messagesFailed    atomic.Int64
	totalResponseTime atomic.Int64 // in microseconds
	connectionErrors  atomic.Int64
	successfulClients atomic.Int64

	timeouts       atomic.Int64
	disconnections atomic.Int64
	linkFailures   atomic.Int64
}

func (s *Stats) recordSuccess(responseTimeUs int64) {
	s.messagesPosted.Add(1)
	s.totalResponseTime.Add(responseTimeUs)
}

func (s *Stats) recordTimeout() {
	s.messagesFailed.Add(1)
	s.timeouts.Add(1)
}

func (s *Stats) recordDisconnection() {
	s.messagesFailed.Add(1)
	s.disconnections.Add(1)
}

func (s *Stats) snapshot() (posted, failed, connErrors int64, avgResponseUs float64) {
	posted = s.messagesPosted.Load()
	failed = s.messagesFailed.Load()
	connErrors = s.connectionErrors.Load()

	if posted > 0 {
		avgResponseUs = float64(s.totalResponseTime.Load()) / float64(posted)
	}

	return
}

type inbound struct {
	Type    string `json:"type"`
	Phase   string `json:"phase"`
	Message string `json:"message"`
	From    string `json:"from"`
	Text    string `json:"text"`
}

// BotClient is a fake web client. Every chat it posts is broadcast back to it,
// which gives the round trip time through the bridge.
type BotClient struct {
	id       int
	nickname string
	conn     *websocket.Conn
	stats    *Stats
	incoming chan inbound
	done     chan struct{}
}

func NewBotClient(id int, url string, stats *Stats) (*BotClient, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	bc := &BotClient{
		id:       id,
		nickname: fmt.Sprintf("bot-%d", id),
		conn:     conn,
		stats:    stats,
		incoming: make(chan inbound, 256),
		done:     make(chan struct{}),
	}
	go bc.readLoop()
	return bc, nil
}

func (bc *BotClient) readLoop() {
	defer close(bc.done)
	for {
		_, data, err := bc.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			debugLogger.Printf("[Bot %d] bad JSON: %v", bc.id, err)
			continue
		}
		if msg.Type == "chat" && msg.From != bc.nickname {
			// Other bots' broadcasts
			continue
		}
		select {
		case bc.incoming <- msg:
		default:
			debugLogger.Printf("[Bot %d] inbox full, dropped %s", bc.id, msg.Type)
		}
	}
}

func (bc *BotClient) send(msg map[string]any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	bc.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return bc.conn.WriteMessage(websocket.TextMessage, data)
}

// waitFor returns the first message match accepts
func (bc *BotClient) waitFor(timeout time.Duration, match func(inbound) bool) (inbound, error) {
	deadline := time.After(timeout)
	for {
		select {
		case msg := <-bc.incoming:
			debugLogger.Printf("[Bot %d] <- %s %s%s", bc.id, msg.Type, msg.Phase, msg.Text)
			if match(msg) {
				return msg, nil
			}
		case <-bc.done:
			return inbound{}, io.EOF
		case <-deadline:
			return inbound{}, fmt.Errorf("timeout after %v", timeout)
		}
	}
}

func (bc *BotClient) Connect() error {
	if _, err := bc.waitFor(5*time.Second, func(m inbound) bool { return m.Type == "status" }); err != nil {
		return fmt.Errorf("receive status: %w", err)
	}
	if err := bc.send(map[string]any{"type": "handshake", "client": bc.nickname, "protocol": 1}); err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}
	if _, err := bc.waitFor(5*time.Second, func(m inbound) bool { return m.Type == "handshake-ack" }); err != nil {
		return fmt.Errorf("receive handshake-ack: %w", err)
	}
	return nil
}

// LinkRemote asks the bridge to open a TeamTalk link and waits for the login
func (bc *BotClient) LinkRemote(host string, port int) error {
	err := bc.send(map[string]any{
		"type":     "tt-connect",
		"ttHost":   host,
		"ttPort":   port,
		"username": bc.nickname,
		"password": "",
	})
	if err != nil {
		return fmt.Errorf("send tt-connect: %w", err)
	}
	msg, err := bc.waitFor(15*time.Second, func(m inbound) bool {
		return m.Type == "tt-status" && (m.Phase == "login-sent" || m.Phase == "error")
	})
	if err != nil {
		return fmt.Errorf("wait for login: %w", err)
	}
	if msg.Phase == "error" {
		return fmt.Errorf("link failed: %s", msg.Message)
	}
	return nil
}

func (bc *BotClient) PostRandomMessage(seq int) error {
	wordCount := 5 + rand.Intn(16)
	words := make([]string, 0, wordCount+1)
	for i := 0; i < wordCount; i++ {
		words = append(words, loremWords[rand.Intn(len(loremWords))])
	}
	words = append(words, fmt.Sprintf("#%d-%d", bc.id, seq))
	content := strings.Join(words, " ")

	start := time.Now()
	if err := bc.send(map[string]any{"type": "aac_text", "from": bc.nickname, "text": content}); err != nil {
		bc.stats.recordDisconnection()
		return err
	}

	_, err := bc.waitFor(10*time.Second, func(m inbound) bool {
		return m.Type == "chat" && m.Text == content
	})
	if err == io.EOF {
		bc.stats.recordDisconnection()
		return err
	}
	if err != nil {
		bc.stats.recordTimeout()
		return err
	}

	bc.stats.recordSuccess(time.Since(start).Microseconds())
	return nil
}

func (bc *BotClient) Run(duration, minDelay, maxDelay, shutdownDelay time.Duration) {
	defer bc.Close()

	endTime := time.Now().Add(duration)
	for seq := 0; time.Now().Before(endTime); seq++ {
		if err := bc.PostRandomMessage(seq); err == io.EOF {
			return
		}

		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}
		time.Sleep(delay)
	}

	// Stagger shutdown to avoid thundering herd on disconnect
	if shutdownDelay > 0 {
		time.Sleep(shutdownDelay)
	}
}

func (bc *BotClient) Close() {
	bc.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	bc.conn.Close()
	<-bc.done
}

var debugLogger = log.New(io.Discard, "", log.LstdFlags|log.Lmicroseconds)

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "Bridge WebSocket URL")
	numClients := flag.Int("clients", 10, "Number of concurrent clients")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between posts")
	maxDelay := flag.Duration("max-delay", 1*time.Second, "Maximum delay between posts")
	ttHost := flag.String("tt-host", "", "Also open a TeamTalk link per client to this host")
	ttPort := flag.Int("tt-port", 10333, "TeamTalk port used with --tt-host")
	debug := flag.Bool("debug", false, "Log every received message to loadtest_debug.log")
	flag.Parse()

	if *debug {
		debugLogFile, err := os.OpenFile("loadtest_debug.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create loadtest_debug.log: %v\n", err)
			os.Exit(1)
		}
		debugLogger.SetOutput(debugLogFile)
	}

	// Ramp up over 25% of test duration
	rampUpDuration := *duration / 4
	staggerDelay := rampUpDuration / time.Duration(max(*numClients, 1))
	if staggerDelay < 1*time.Millisecond {
		staggerDelay = 1 * time.Millisecond
	}

	log.Printf("Starting load test:")
	log.Printf("  Bridge: %s", *url)
	log.Printf("  Clients: %d", *numClients)
	log.Printf("  Duration: %v", *duration)
	log.Printf("  Ramp-up: %v (%v per client)", rampUpDuration, staggerDelay)
	log.Printf("  Delay: %v - %v", *minDelay, *maxDelay)
	if *ttHost != "" {
		log.Printf("  TeamTalk: %s:%d", *ttHost, *ttPort)
	}

	stats := &Stats{}
	var wg sync.WaitGroup

	stopStats := make(chan struct{})
	var stopOnce sync.Once
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		startTime := time.Now()
		for {
			select {
			case <-ticker.C:
				posted, failed, connErrors, avgUs := stats.snapshot()
				rate := float64(posted) / time.Since(startTime).Seconds()
				log.Printf("Stats: %d posted (%.1f/s), %d failed, %d conn errors, avg %.2fms, goroutines %d",
					posted, rate, failed, connErrors, avgUs/1000.0, runtime.NumGoroutine())
			case <-stopStats:
				return
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Printf("Shutdown signal received, stopping stats...")
		stopOnce.Do(func() { close(stopStats) })
	}()

	for i := 0; i < *numClients; i++ {
		wg.Add(1)

		// Reverse order for ramp-down
		shutdownDelay := staggerDelay * time.Duration(*numClients-i-1)

		go func(id int, shutdownDelay time.Duration) {
			defer wg.Done()

			bot, err := NewBotClient(id, *url, stats)
			if err != nil {
				stats.connectionErrors.Add(1)
				debugLogger.Printf("[Bot %d] %v", id, err)
				return
			}
			if err := bot.Connect(); err != nil {
				stats.connectionErrors.Add(1)
				debugLogger.Printf("[Bot %d] %v", id, err)
				bot.Close()
				return
			}
			if *ttHost != "" {
				if err := bot.LinkRemote(*ttHost, *ttPort); err != nil {
					stats.linkFailures.Add(1)
					log.Printf("[Bot %d] %v", id, err)
				}
			}

			stats.successfulClients.Add(1)
			if id%100 == 0 {
				log.Printf("[Bot %d] Connected", id)
			}

			bot.Run(*duration, *minDelay, *maxDelay, shutdownDelay)
		}(i, shutdownDelay)

		time.Sleep(staggerDelay)
	}

	wg.Wait()
	stopOnce.Do(func() { close(stopStats) })

	posted, failed, connErrors, avgUs := stats.snapshot()
	successfulClients := stats.successfulClients.Load()

	log.Printf("=== Final Results ===")
	log.Printf("Clients: %d attempted, %d successful (%.1f%%)", *numClients, successfulClients, float64(successfulClients)/float64(max(*numClients, 1))*100)
	log.Printf("Duration: %v", *duration)
	log.Printf("Messages posted: %d (%.1f/s)", posted, float64(posted)/duration.Seconds())
	log.Printf("Messages failed: %d", failed)
	log.Printf("  - Timeouts: %d", stats.timeouts.Load())
	log.Printf("  - Disconnections: %d", stats.disconnections.Load())
	log.Printf("Connection errors: %d", connErrors)
	if *ttHost != "" {
		log.Printf("TeamTalk link failures: %d", stats.linkFailures.Load())
	}
	log.Printf("Average round trip: %.2fms", avgUs/1000.0)

	if posted > 0 {
		log.Printf("Success rate: %.1f%%", float64(posted)/float64(posted+failed)*100)
	}
}
