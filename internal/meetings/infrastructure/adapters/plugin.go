package adapters

import (
	"context"
	"fmt"
	"log/slog"
	"net/rpc"
	"os/exec"

	"github.com/hashicorp/go-plugin"

	"github.com/felixgeelhaar/interpreta/internal/meetings/domain"
	"github.com/felixgeelhaar/interpreta/internal/shared/infrastructure/security"
)

// Handshake must match between the server and its adapter plugins.
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "INTERPRETA_ADAPTER_PLUGIN",
	MagicCookieValue: "interpreta-adapter-v1",
}

const (
	translatorPluginName  = "translator"
	transcriberPluginName = "transcriber"
)

// TranslateArgs is the net/rpc request for Translate.
type TranslateArgs struct {
	Text   string
	Source string
	Target string
}

// TranscribeArgs is the net/rpc request for Transcribe.
type TranscribeArgs struct {
	Audio  []byte
	Locale string
}

// TranslatorPlugin exposes a domain.Translator over go-plugin. Impl is only
// set on the plugin side.
type TranslatorPlugin struct {
	Impl domain.Translator
}

func (p *TranslatorPlugin) Server(*plugin.MuxBroker) (interface{}, error) {
	return &translatorServer{impl: p.Impl}, nil
}

func (p *TranslatorPlugin) Client(_ *plugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &translatorClient{client: c}, nil
}

// TranscriberPlugin exposes a domain.Transcriber over go-plugin.
type TranscriberPlugin struct {
	Impl domain.Transcriber
}

func (p *TranscriberPlugin) Server(*plugin.MuxBroker) (interface{}, error) {
	return &transcriberServer{impl: p.Impl}, nil
}

func (p *TranscriberPlugin) Client(_ *plugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &transcriberClient{client: c}, nil
}

type translatorServer struct {
	impl domain.Translator
}

func (s *translatorServer) Translate(args TranslateArgs, reply *string) error {
	out, err := s.impl.Translate(context.Background(), args.Text, args.Source, args.Target)
	*reply = out
	return err
}

type translatorClient struct {
	client *rpc.Client
}

func (c *translatorClient) Translate(ctx context.Context, text, source, target string) (string, error) {
	var reply string
	err := call(ctx, c.client, "Plugin.Translate", TranslateArgs{Text: text, Source: source, Target: target}, &reply)
	return reply, err
}

type transcriberServer struct {
	impl domain.Transcriber
}

func (s *transcriberServer) Transcribe(args TranscribeArgs, reply *string) error {
	out, err := s.impl.Transcribe(context.Background(), args.Audio, args.Locale)
	*reply = out
	return err
}

type transcriberClient struct {
	client *rpc.Client
}

func (c *transcriberClient) Transcribe(ctx context.Context, audio []byte, locale string) (string, error) {
	var reply string
	err := call(ctx, c.client, "Plugin.Transcribe", TranscribeArgs{Audio: audio, Locale: locale}, &reply)
	return reply, err
}

// call gives up waiting when ctx ends; net/rpc itself has no cancellation.
func call(ctx context.Context, client *rpc.Client, method string, args, reply any) error {
	pending := client.Go(method, args, reply, make(chan *rpc.Call, 1))
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w: %w", method, domain.ErrAdapterFailure, ctx.Err())
	case done := <-pending.Done:
		if done.Error != nil {
			return fmt.Errorf("%s: %w: %w", method, domain.ErrAdapterFailure, done.Error)
		}
		return nil
	}
}

// ServeTranslator runs a translator plugin. Call it from the plugin's main.
func ServeTranslator(impl domain.Translator) {
	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins:         map[string]plugin.Plugin{translatorPluginName: &TranslatorPlugin{Impl: impl}},
	})
}

// ServeTranscriber runs a transcriber plugin.
func ServeTranscriber(impl domain.Transcriber) {
	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins:         map[string]plugin.Plugin{transcriberPluginName: &TranscriberPlugin{Impl: impl}},
	})
}

// PluginTranslator is a translator running in a child process.
type PluginTranslator struct {
	domain.Translator
	client *plugin.Client
}

// Close stops the plugin process.
func (p *PluginTranslator) Close() { p.client.Kill() }

// PluginTranscriber is a transcriber running in a child process.
type PluginTranscriber struct {
	domain.Transcriber
	client *plugin.Client
}

// Close stops the plugin process.
func (p *PluginTranscriber) Close() { p.client.Kill() }

// LaunchTranslator starts the plugin binary at path.
func LaunchTranslator(path string, logger *slog.Logger) (*PluginTranslator, error) {
	raw, client, err := launch(path, translatorPluginName, &TranslatorPlugin{}, logger)
	if err != nil {
		return nil, err
	}
	impl, ok := raw.(domain.Translator)
	if !ok {
		client.Kill()
		return nil, fmt.Errorf("plugin %s is not a translator", path)
	}
	return &PluginTranslator{Translator: impl, client: client}, nil
}

// LaunchTranscriber starts the plugin binary at path.
func LaunchTranscriber(path string, logger *slog.Logger) (*PluginTranscriber, error) {
	raw, client, err := launch(path, transcriberPluginName, &TranscriberPlugin{}, logger)
	if err != nil {
		return nil, err
	}
	impl, ok := raw.(domain.Transcriber)
	if !ok {
		client.Kill()
		return nil, fmt.Errorf("plugin %s is not a transcriber", path)
	}
	return &PluginTranscriber{Transcriber: impl, client: client}, nil
}

func launch(path, name string, p plugin.Plugin, logger *slog.Logger) (interface{}, *plugin.Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := security.Executable(path)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid plugin: %w", err)
	}

	logger.Info("loading adapter plugin", "plugin", name, "binary", abs)
	// #nosec G204 -- abs is an operator-configured, cleaned path
	client := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig:  Handshake,
		Plugins:          map[string]plugin.Plugin{name: p},
		Cmd:              exec.Command(abs),
		Logger:           newHCLogger(logger.With("plugin", name)),
		AllowedProtocols: []plugin.Protocol{plugin.ProtocolNetRPC},
	})
	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, nil, fmt.Errorf("failed to connect to plugin %s: %w", abs, err)
	}
	raw, err := rpcClient.Dispense(name)
	if err != nil {
		client.Kill()
		return nil, nil, fmt.Errorf("failed to dispense plugin %s: %w", name, err)
	}
	return raw, client, nil
}
