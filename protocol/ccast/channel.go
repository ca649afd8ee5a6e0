package ccast

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/RomanHargrave/displaycal-sub006/common"
	"github.com/RomanHargrave/displaycal-sub006/protocol/frame"
)

type responseMap map[int64]chan *castMessage

// writeTimeout bounds a single frame write
const writeTimeout = 2 * time.Second

// channel is one CASTV2 connection. A handler goroutine reads frames, answers
// heartbeats and routes replies to the request that is waiting for them.
type channel struct {
	conn        net.Conn
	sourceID    string
	requestID   int64
	responseMap responseMap
	statusChan  chan *receiverStatus
	writeMu     sync.Mutex
	quitChan    chan struct{}
	closeOnce   sync.Once
	err         error
	log         common.Logger
	sync.RWMutex
}

func newChannel(conn net.Conn, sourceID string, log common.Logger) *channel {
	c := &channel{
		conn:        conn,
		sourceID:    sourceID,
		responseMap: make(responseMap),
		statusChan:  make(chan *receiverStatus, 1),
		quitChan:    make(chan struct{}),
		log:         log,
	}
	go c.handler()
	return c
}

// nextRequestID returns the next value of the per-session request counter,
// never zero
func (c *channel) nextRequestID() int64 {
	c.Lock()
	defer c.Unlock()
	c.requestID++
	return c.requestID
}

// send writes one message, payload is encoded as JSON
func (c *channel) send(destination, namespace string, payload interface{}) error {
	msg, err := newMessage(c.sourceID, destination, namespace, payload)
	if err != nil {
		return err
	}
	c.log.Debugf("Sending to %s on %s: %s", destination, namespace, msg.PayloadUTF8)
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.quitChan:
		return c.closedErr()
	default:
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return frame.Write(c.conn, msg.marshal())
}

// request sends a message carrying a fresh requestId and waits for the reply
// with the same id
func (c *channel) request(ctx context.Context, destination, namespace string, build func(id int64) interface{}) (*castMessage, error) {
	id := c.nextRequestID()
	ch := make(chan *castMessage, 1)
	c.Lock()
	c.responseMap[id] = ch
	c.Unlock()
	defer func() {
		c.Lock()
		delete(c.responseMap, id)
		c.Unlock()
	}()

	if err := c.send(destination, namespace, build(id)); err != nil {
		return nil, err
	}
	select {
	case msg := <-ch:
		return msg, nil
	case <-c.quitChan:
		return nil, c.closedErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// statuses delivers RECEIVER_STATUS messages nobody asked for, only the most
// recent one is kept
func (c *channel) statuses() <-chan *receiverStatus {
	return c.statusChan
}

func (c *channel) done() <-chan struct{} {
	return c.quitChan
}

func (c *channel) close() error {
	var err error
	c.closeOnce.Do(func() {
		c.Lock()
		if c.err == nil {
			c.err = common.ErrClosed
		}
		c.Unlock()
		close(c.quitChan)
		err = c.conn.Close()
	})
	return err
}

func (c *channel) closedErr() error {
	c.RLock()
	defer c.RUnlock()
	if c.err == nil {
		return common.ErrClosed
	}
	return c.err
}

func (c *channel) handler() {
	for {
		payload, err := frame.Read(c.conn, 0)
		if err != nil {
			c.Lock()
			if c.err == nil {
				c.err = err
			}
			c.Unlock()
			select {
			case <-c.quitChan:
			default:
				c.log.Warnf("Channel read failed: %v", err)
			}
			_ = c.close()
			return
		}
		msg, err := unmarshalMessage(payload)
		if err != nil {
			c.log.Warnf("Dropping undecodable message: %v", err)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *channel) dispatch(msg *castMessage) {
	hdr := msg.header()
	c.log.Debugf("Handling %s from %s on %s", hdr.Type, msg.SourceID, msg.Namespace)

	if msg.Namespace == nsHeartbeat && hdr.Type == msgPing {
		// replying from the reader would stall it while the peer is writing
		go func() {
			if err := c.send(msg.SourceID, nsHeartbeat, envelope{Type: msgPong}); err != nil {
				c.log.Debugf("Failed answering heartbeat: %v", err)
			}
		}()
		return
	}

	if hdr.RequestID != 0 {
		c.RLock()
		ch, ok := c.responseMap[hdr.RequestID]
		c.RUnlock()
		if ok {
			select {
			case ch <- msg:
			default:
			}
			return
		}
	}

	if msg.Namespace == nsReceiver && hdr.Type == msgReceiverStatus {
		status := &receiverStatus{}
		if err := json.Unmarshal([]byte(msg.PayloadUTF8), status); err != nil {
			c.log.Warnf("Dropping malformed receiver status: %v", err)
			return
		}
		// latest wins
		select {
		case <-c.statusChan:
		default:
		}
		select {
		case c.statusChan <- status:
		default:
		}
		return
	}

	if msg.Namespace == nsConnection && hdr.Type == msgClose {
		c.log.Infof("Receiver closed the virtual connection from %s", msg.SourceID)
		return
	}
	c.log.Debugf("Couldn't find requestor for %s message %d", hdr.Type, hdr.RequestID)
}
