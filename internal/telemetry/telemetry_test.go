package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/require"

	"github.com/bigbag/c6link/internal/provision"
)

type token struct {
	done chan struct{}
	err  error
}

func doneToken(err error) *token {
	t := &token{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *token) Wait() bool                     { return true }
func (t *token) WaitTimeout(time.Duration) bool { return true }
func (t *token) Done() <-chan struct{}          { return t.done }
func (t *token) Error() error                   { return t.err }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeClient struct {
	paho.Client

	connectErr error
	pubToken   paho.Token
	msgs       []published
}

func (c *fakeClient) Connect() paho.Token { return doneToken(c.connectErr) }

func (c *fakeClient) Disconnect(uint) {}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	c.msgs = append(c.msgs, published{topic, qos, retained, payload.([]byte)})
	if c.pubToken != nil {
		return c.pubToken
	}
	return doneToken(nil)
}

func TestClientOptionsFromURL(t *testing.T) {
	opts, prefix, err := ClientOptionsFromURL("mqtt://user:pw@broker.local:1883/site/lab?client-id=tab5")
	require.NoError(t, err)
	require.Equal(t, "site/lab", prefix)
	require.Equal(t, "tab5", opts.ClientID)
	require.Equal(t, "user", opts.Username)
	require.Equal(t, "pw", opts.Password)
	require.Len(t, opts.Servers, 1)
	require.Equal(t, "tcp://broker.local:1883", opts.Servers[0].String())

	opts, prefix, err = ClientOptionsFromURL("mqtts://broker.local:8883")
	require.NoError(t, err)
	require.Empty(t, prefix)
	require.Equal(t, "ssl://broker.local:8883", opts.Servers[0].String())
	require.NotEmpty(t, opts.ClientID)

	_, _, err = ClientOptionsFromURL("/no/host")
	require.Error(t, err)
}

func TestStatusTopic(t *testing.T) {
	require.Equal(t, "c6link/tab5/status", StatusTopic("", "tab5"))
	require.Equal(t, "site/c6link/tab5/status", StatusTopic("site", "tab5"))
}

func TestPublish(t *testing.T) {
	client := &fakeClient{}
	p := NewWithClient(client, "c6link/tab5/status")
	require.NoError(t, p.Connect(context.Background()))

	st := provision.Status{State: "normal", Ready: true, WifiConnected: true, FirmwareVersion: "1.2.0"}
	require.NoError(t, p.Publish(st))

	require.Len(t, client.msgs, 1)
	msg := client.msgs[0]
	require.Equal(t, "c6link/tab5/status", msg.topic)
	require.Equal(t, byte(1), msg.qos)
	require.True(t, msg.retained)

	var got map[string]any
	require.NoError(t, json.Unmarshal(msg.payload, &got))
	require.Equal(t, "normal", got["state"])
	require.Equal(t, true, got["ready"])
	require.Equal(t, true, got["wifi_connected"])
	require.Equal(t, "1.2.0", got["firmware_version"])
	require.NotContains(t, got, "message")
}

func TestPublish_Errors(t *testing.T) {
	brokerErr := errors.New("not authorized")
	client := &fakeClient{connectErr: brokerErr, pubToken: doneToken(brokerErr)}
	p := NewWithClient(client, "t")

	require.ErrorIs(t, p.Connect(context.Background()), brokerErr)
	require.ErrorIs(t, p.Publish(provision.Status{}), brokerErr)

	client.pubToken = &token{done: make(chan struct{})}
	p.timeout = 10 * time.Millisecond
	require.ErrorIs(t, p.Publish(provision.Status{}), ErrTimeout)
}

func TestPublisherImplementsStatusPublisher(t *testing.T) {
	var _ provision.StatusPublisher = NewWithClient(&fakeClient{}, "t")
}
