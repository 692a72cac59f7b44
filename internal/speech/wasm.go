package speech

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/yamachu/voicevox/internal/protocol"
)

// NewWasmFrontend returns a factory that runs a library-provided frontend
// module under wazero.
//
// Guest ABI: the module exports malloc(size) -> ptr plus one function per
// operation (initialize, audio_query, accent_phrases, mora_timing,
// synthesis), each taking a pointer and length of a JSON request and
// returning ptr<<32|len of a JSON {success, error, value} result. Tensor
// forwards go the other way through the env imports tensor_duration,
// tensor_intonation and tensor_decode, which take a request the same way
// and return ptr<<32|len of the reply written into guest memory, or zero
// when the forward failed.
func NewWasmFrontend(modulePath string, log *slog.Logger) Factory {
	return func(ctx context.Context, dictionary string, cb Callbacks) (Frontend, error) {
		if cb.Duration == nil || cb.Intonation == nil || cb.Decode == nil {
			return nil, errors.New("frontend requires all three tensor callbacks")
		}
		rt := wazero.NewRuntime(ctx)
		if err := instantiateHostModule(ctx, rt, cb, log); err != nil {
			rt.Close(ctx)
			return nil, fmt.Errorf("instantiate host module: %w", err)
		}
		if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
			rt.Close(ctx)
			return nil, fmt.Errorf("instantiate WASI: %w", err)
		}

		wasmBytes, err := os.ReadFile(modulePath)
		if err != nil {
			rt.Close(ctx)
			return nil, fmt.Errorf("read frontend module: %w", err)
		}
		compiled, err := rt.CompileModule(ctx, wasmBytes)
		if err != nil {
			rt.Close(ctx)
			return nil, fmt.Errorf("compile frontend module: %w", err)
		}
		module, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig())
		if err != nil {
			compiled.Close(ctx)
			rt.Close(ctx)
			return nil, fmt.Errorf("instantiate frontend module: %w", err)
		}

		w := &wasmFrontend{rt: rt, compiled: compiled, module: module, log: log}
		for name, target := range map[string]*api.Function{
			"malloc":         &w.malloc,
			"initialize":     &w.init,
			"audio_query":    &w.audioQuery,
			"accent_phrases": &w.accentPhrases,
			"mora_timing":    &w.moraTiming,
			"synthesis":      &w.synthesis,
		} {
			fn := module.ExportedFunction(name)
			if fn == nil {
				w.Close(ctx)
				return nil, fmt.Errorf("export %q not found", name)
			}
			*target = fn
		}

		payload, err := json.Marshal(protocol.InitializeRequest{Dictionary: dictionary})
		if err != nil {
			w.Close(ctx)
			return nil, fmt.Errorf("encode initialize request: %w", err)
		}
		if _, err := w.invoke(ctx, w.init, "initialize", payload); err != nil {
			w.Close(ctx)
			return nil, fmt.Errorf("initialize frontend: %w", err)
		}
		return w, nil
	}
}

type wasmFrontend struct {
	rt       wazero.Runtime
	compiled wazero.CompiledModule
	module   api.Module
	log      *slog.Logger

	malloc        api.Function
	init          api.Function
	audioQuery    api.Function
	accentPhrases api.Function
	moraTiming    api.Function
	synthesis     api.Function

	mu sync.Mutex
}

func (w *wasmFrontend) AudioQuery(ctx context.Context, text string, speaker int) (*protocol.AudioQuery, error) {
	payload, err := json.Marshal(protocol.AudioQueryRequest{Text: text, Speaker: speaker})
	if err != nil {
		return nil, err
	}
	raw, err := w.invoke(ctx, w.audioQuery, "audio_query", payload)
	if err != nil {
		return nil, err
	}
	var query protocol.AudioQuery
	if err := json.Unmarshal(raw, &query); err != nil {
		return nil, fmt.Errorf("decode audio query: %w", err)
	}
	return &query, nil
}

func (w *wasmFrontend) AccentPhrases(ctx context.Context, text string, speaker int) ([]protocol.AccentPhrase, error) {
	payload, err := json.Marshal(protocol.AccentPhrasesRequest{Text: text, Speaker: speaker})
	if err != nil {
		return nil, err
	}
	raw, err := w.invoke(ctx, w.accentPhrases, "accent_phrases", payload)
	if err != nil {
		return nil, err
	}
	var phrases []protocol.AccentPhrase
	if err := json.Unmarshal(raw, &phrases); err != nil {
		return nil, fmt.Errorf("decode accent phrases: %w", err)
	}
	return phrases, nil
}

func (w *wasmFrontend) MoraTiming(ctx context.Context, phrases []protocol.AccentPhrase, speaker int) ([]protocol.AccentPhrase, error) {
	payload, err := json.Marshal(protocol.MoraTimingRequest{AccentPhrases: phrases, Speaker: speaker})
	if err != nil {
		return nil, err
	}
	raw, err := w.invoke(ctx, w.moraTiming, "mora_timing", payload)
	if err != nil {
		return nil, err
	}
	var timed []protocol.AccentPhrase
	if err := json.Unmarshal(raw, &timed); err != nil {
		return nil, fmt.Errorf("decode mora timing: %w", err)
	}
	return timed, nil
}

func (w *wasmFrontend) Synthesize(ctx context.Context, query *protocol.AudioQuery, speaker int) (int, []float32, error) {
	if query == nil {
		return 0, nil, errors.New("audio query is nil")
	}
	payload, err := json.Marshal(protocol.SynthesisRequest{Query: *query, Speaker: speaker})
	if err != nil {
		return 0, nil, err
	}
	raw, err := w.invoke(ctx, w.synthesis, "synthesis", payload)
	if err != nil {
		return 0, nil, err
	}
	var reply protocol.SynthesisReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return 0, nil, fmt.Errorf("decode synthesis reply: %w", err)
	}
	if reply.SampleRate <= 0 {
		reply.SampleRate = nativeSampleRate
	}
	return reply.SampleRate, reply.Samples, nil
}

func (w *wasmFrontend) Close(ctx context.Context) error {
	if w == nil {
		return nil
	}
	if w.module != nil {
		if err := w.module.Close(ctx); err != nil {
			return err
		}
	}
	if w.compiled != nil {
		if err := w.compiled.Close(ctx); err != nil {
			return err
		}
	}
	if w.rt != nil {
		return w.rt.Close(ctx)
	}
	return nil
}

type guestResult struct {
	Success bool            `json:"success"`
	Error   string          `json:"error"`
	Value   json.RawMessage `json:"value"`
}

// invoke runs one guest operation. The module instance is not safe for
// concurrent entry, so operations serialize; nested host imports run on the
// same call stack and do not re-lock.
func (w *wasmFrontend) invoke(ctx context.Context, fn api.Function, name string, payload []byte) (json.RawMessage, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ptr, err := w.writeGuest(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("write %s request: %w", name, err)
	}
	res, err := fn.Call(ctx, uint64(ptr), uint64(len(payload)))
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", name, err)
	}
	if len(res) == 0 || res[0] == 0 {
		return nil, fmt.Errorf("%s returned no result", name)
	}
	rptr, rlen := unpackU64(res[0])
	data, ok := w.module.Memory().Read(rptr, rlen)
	if !ok {
		return nil, fmt.Errorf("%s result out of range (ptr=%d len=%d)", name, rptr, rlen)
	}
	data = append([]byte(nil), data...)

	var result guestResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", name, err)
	}
	if !result.Success {
		if result.Error == "" {
			result.Error = name + " failed"
		}
		return nil, errors.New(result.Error)
	}
	return result.Value, nil
}

func (w *wasmFrontend) writeGuest(ctx context.Context, data []byte) (uint32, error) {
	if len(data) == 0 {
		return 0, nil
	}
	res, err := w.malloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("malloc: %w", err)
	}
	if len(res) == 0 {
		return 0, errors.New("malloc returned no pointer")
	}
	ptr := api.DecodeU32(res[0])
	if !w.module.Memory().Write(ptr, data) {
		return 0, fmt.Errorf("write out of range (ptr=%d len=%d)", ptr, len(data))
	}
	return ptr, nil
}

func instantiateHostModule(ctx context.Context, rt wazero.Runtime, cb Callbacks, log *slog.Logger) error {
	builder := rt.NewHostModuleBuilder("env")

	forward := func(name string, call func(context.Context, protocol.TensorRequest) (protocol.TensorReply, error)) {
		fn := api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			ptr := api.DecodeU32(stack[0])
			length := api.DecodeU32(stack[1])
			stack[0] = 0

			mem := mod.Memory()
			if mem == nil {
				return
			}
			data, ok := mem.Read(ptr, length)
			if !ok {
				log.Warn("tensor forward request out of range",
					slog.String("import", name))
				return
			}
			var req protocol.TensorRequest
			if err := json.Unmarshal(data, &req); err != nil {
				log.Warn("failed to decode tensor forward request",
					slog.String("import", name), slogError(err))
				return
			}
			reply, err := call(ctx, req)
			if err != nil {
				log.Warn("tensor forward failed",
					slog.String("import", name), slogError(err))
				return
			}
			out, err := json.Marshal(reply)
			if err != nil {
				log.Warn("failed to encode tensor forward reply",
					slog.String("import", name), slogError(err))
				return
			}
			mallocFn := mod.ExportedFunction("malloc")
			if mallocFn == nil {
				return
			}
			res, err := mallocFn.Call(ctx, uint64(len(out)))
			if err != nil || len(res) == 0 {
				return
			}
			outPtr := api.DecodeU32(res[0])
			if !mem.Write(outPtr, out) {
				return
			}
			stack[0] = packU64(outPtr, uint32(len(out)))
		})
		builder.NewFunctionBuilder().
			WithGoModuleFunction(fn, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI64}).
			WithName(name).
			Export(name)
	}

	forward("tensor_duration", cb.Duration)
	forward("tensor_intonation", cb.Intonation)
	forward("tensor_decode", cb.Decode)

	_, err := builder.Instantiate(ctx)
	return err
}

func packU64(ptr, length uint32) uint64 {
	return uint64(ptr)<<32 | uint64(length)
}

func unpackU64(v uint64) (uint32, uint32) {
	return uint32(v >> 32), uint32(v)
}
