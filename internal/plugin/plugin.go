// Package plugin loads intent classifiers that run out of process.
//
// A plugin binary calls Serve with its intent.Classifier; the host starts it
// with Load and gets back an intent.Classifier that talks to it over net/rpc.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"net/rpc"
	"os/exec"

	"github.com/felixgeelhaar/canvas/internal/intent"
	"github.com/felixgeelhaar/canvas/internal/observe"
	hcplugin "github.com/hashicorp/go-plugin"
)

// HandshakeConfig is used to handshake between host and plugin.
var HandshakeConfig = hcplugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "CANVAS_PLUGIN_MAGIC_COOKIE",
	MagicCookieValue: "canvas-classifier",
}

// ClassifierName is the key the classifier is dispensed under.
const ClassifierName = "classifier"

// PluginMap builds the plugin set for impl. The host passes nil.
func PluginMap(impl intent.Classifier) map[string]hcplugin.Plugin {
	return map[string]hcplugin.Plugin{
		ClassifierName: &ClassifierPlugin{Impl: impl},
	}
}

// ClassifierPlugin implements hcplugin.Plugin for net/rpc.
type ClassifierPlugin struct {
	Impl intent.Classifier
}

func (p *ClassifierPlugin) Server(*hcplugin.MuxBroker) (interface{}, error) {
	if p.Impl == nil {
		return nil, errors.New("classifier plugin has no implementation")
	}
	return &ClassifierRPCServer{Impl: p.Impl}, nil
}

func (p *ClassifierPlugin) Client(_ *hcplugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &ClassifierRPC{client: c}, nil
}

// ClassifyArgs is the RPC request.
type ClassifyArgs struct {
	Text string
}

// ClassifyReply is the RPC response.
type ClassifyReply struct {
	Label      string
	Confidence float64
	Params     map[string]string
}

// ClassifierRPCServer runs inside the plugin process.
type ClassifierRPCServer struct {
	Impl intent.Classifier
}

func (s *ClassifierRPCServer) Classify(args ClassifyArgs, reply *ClassifyReply) error {
	res := s.Impl.Classify(context.Background(), args.Text)
	*reply = ClassifyReply{
		Label:      string(res.Label),
		Confidence: res.Confidence,
		Params:     res.Params,
	}
	return nil
}

// ClassifierRPC is the host side. Transport errors and cancellation degrade
// to intent.Fallback.
type ClassifierRPC struct {
	client *rpc.Client
	obs    *observe.Observer
}

func (c *ClassifierRPC) Classify(ctx context.Context, text string) intent.Result {
	var reply ClassifyReply
	call := c.client.Go("Plugin.Classify", ClassifyArgs{Text: text}, &reply, make(chan *rpc.Call, 1))

	select {
	case <-ctx.Done():
		c.warn(ctx.Err())
		return intent.Fallback(text)
	case done := <-call.Done:
		if done.Error != nil {
			c.warn(done.Error)
			return intent.Fallback(text)
		}
	}

	return intent.Result{
		Label:      intent.Label(reply.Label),
		Confidence: reply.Confidence,
		Params:     reply.Params,
	}
}

func (c *ClassifierRPC) warn(err error) {
	if c.obs == nil {
		return
	}
	c.obs.Log().Warn().Err(err).Msg("classifier plugin call failed, falling back to chat")
}

// Serve runs impl as a plugin. It blocks until the host disconnects.
func Serve(impl intent.Classifier) {
	hcplugin.Serve(&hcplugin.ServeConfig{
		HandshakeConfig: HandshakeConfig,
		Plugins:         PluginMap(impl),
	})
}

// Loaded is a running plugin process.
type Loaded struct {
	Classifier intent.Classifier
	client     *hcplugin.Client
}

// Close kills the plugin process.
func (l *Loaded) Close() {
	l.client.Kill()
}

// Load starts the plugin binary at path and dispenses its classifier,
// wrapped with intent.Safe.
func Load(path string, obs *observe.Observer, args ...string) (*Loaded, error) {
	if obs == nil {
		obs = observe.Nop()
	}

	client := hcplugin.NewClient(&hcplugin.ClientConfig{
		HandshakeConfig:  HandshakeConfig,
		Plugins:          PluginMap(nil),
		Cmd:              exec.Command(path, args...),
		AllowedProtocols: []hcplugin.Protocol{hcplugin.ProtocolNetRPC},
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("start classifier plugin %s: %w", path, err)
	}

	raw, err := rpcClient.Dispense(ClassifierName)
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("dispense classifier: %w", err)
	}

	rpcClassifier, ok := raw.(*ClassifierRPC)
	if !ok {
		client.Kill()
		return nil, fmt.Errorf("plugin %s returned %T, not a classifier", path, raw)
	}
	rpcClassifier.obs = obs

	obs.Log().Info().Str("path", path).Msg("classifier plugin loaded")
	return &Loaded{Classifier: intent.Safe(rpcClassifier, obs), client: client}, nil
}
