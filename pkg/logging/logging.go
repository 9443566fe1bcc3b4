package logging

import (
	"fmt"
	"log"
	"os"
	"sync"
)

var (
	nodeID     string
	nodeIDOnce sync.Once

	// Async logging channel and worker
	logChan   chan string
	logWorker sync.Once
	logWg     sync.WaitGroup
	logMu     sync.Mutex
)

// initLogWorker starts the async log worker goroutine
func initLogWorker() {
	logMu.Lock()
	defer logMu.Unlock()

	logWorker.Do(func() {
		// Buffer size: 1000 messages
		logChan = make(chan string, 1000)

		logWg.Add(1)
		go func() {
			defer logWg.Done()
			for msg := range logChan {
				log.Print(msg)
			}
		}()
	})
}

// GetNodeID returns the unique node ID for this instance
func GetNodeID() string {
	nodeIDOnce.Do(func() {
		// Try NODE_ID first (allows a fixed ID), then POD_NAME, then HOSTNAME
		nodeID = os.Getenv("NODE_ID")
		if nodeID == "" {
			nodeID = os.Getenv("POD_NAME")
		}
		if nodeID == "" {
			nodeID = os.Getenv("HOSTNAME")
		}
		if nodeID == "" {
			hostname, _ := os.Hostname()
			if hostname != "" {
				// Use last 8 chars of hostname as fallback
				if len(hostname) > 8 {
					nodeID = hostname[len(hostname)-8:]
				} else {
					nodeID = hostname
				}
			} else {
				nodeID = "unknown"
			}
		}
	})
	return nodeID
}

// Logf logs a formatted message with node ID prefix (async, non-blocking)
func Logf(format string, v ...interface{}) {
	initLogWorker()
	msg := fmt.Sprintf(format, v...)
	logMsg := fmt.Sprintf("[node=%s] %s", GetNodeID(), msg)

	// Non-blocking send: if channel is full, fall back to sync logging
	select {
	case logChan <- logMsg:
	default:
		log.Print(logMsg)
	}
}

// Log logs a message with node ID prefix (async, non-blocking)
func Log(v ...interface{}) {
	initLogWorker()
	msg := fmt.Sprint(v...)
	logMsg := fmt.Sprintf("[node=%s] %s", GetNodeID(), msg)

	select {
	case logChan <- logMsg:
	default:
		log.Print(logMsg)
	}
}

// Fatalf logs a fatal error with node ID prefix and exits (synchronous)
func Fatalf(format string, v ...interface{}) {
	msg := fmt.Sprintf(format, v...)
	log.Fatalf("[node=%s] %s", GetNodeID(), msg)
}

// Flush waits for all pending log messages to be written
func Flush() {
	logMu.Lock()
	defer logMu.Unlock()

	if logChan != nil {
		close(logChan)
		logWg.Wait()
		logChan = nil
		logWorker = sync.Once{}
	}
}
