package runtime

import (
	"context"

	"github.com/tetratelabs/wazero/api"

	"github.com/privacyresearch/tring/internal/ffi"
)

// HostModule is the import module name under which the engine finds its
// callback slots.
const HostModule = "tring"

// registerHost instantiates the host module. Slots dispatch to whatever
// Callbacks table is bound, and pass on the ctx of the guest call so engine
// calls made from a slot are recognised as reentrant.
func (e *Engine) registerHost(ctx context.Context) (api.Module, error) {
	builder := e.runtime.NewHostModuleBuilder(HostModule)

	// on_status(call_id: i64, peer_id: i64, direction: i32, type: i32)
	builder.NewFunctionBuilder().WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, _ api.Module, stack []uint64) {
		if cb := e.callbacks.Load(); cb != nil {
			cb.Status(ctx, stack[0], stack[1], api.DecodeI32(stack[2]), api.DecodeI32(stack[3]))
		}
	}), []api.ValueType{i64, i64, i32, i32}, []api.ValueType{}).Export("on_status")

	// on_answer(desc: i32)
	builder.NewFunctionBuilder().WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, _ api.Module, stack []uint64) {
		if cb := e.callbacks.Load(); cb != nil {
			cb.Answer(ctx, guestPtr(stack[0]))
		}
	}), []api.ValueType{i32}, []api.ValueType{}).Export("on_answer")

	// on_offer(desc: i32)
	builder.NewFunctionBuilder().WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, _ api.Module, stack []uint64) {
		if cb := e.callbacks.Load(); cb != nil {
			cb.Offer(ctx, guestPtr(stack[0]))
		}
	}), []api.ValueType{i32}, []api.ValueType{}).Export("on_offer")

	// on_ice(desc: i32)
	builder.NewFunctionBuilder().WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, _ api.Module, stack []uint64) {
		if cb := e.callbacks.Load(); cb != nil {
			cb.Ice(ctx, guestPtr(stack[0]))
		}
	}), []api.ValueType{i32}, []api.ValueType{}).Export("on_ice")

	// on_generic(opcode: i32, desc: i32)
	builder.NewFunctionBuilder().WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, _ api.Module, stack []uint64) {
		if cb := e.callbacks.Load(); cb != nil {
			cb.Generic(ctx, api.DecodeI32(stack[0]), guestPtr(stack[1]))
		}
	}), []api.ValueType{i32, i32}, []api.ValueType{}).Export("on_generic")

	// on_video_frame(data: i32, width: i32, height: i32, size: i64)
	builder.NewFunctionBuilder().WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, _ api.Module, stack []uint64) {
		if cb := e.callbacks.Load(); cb != nil {
			cb.VideoFrame(ctx, guestPtr(stack[0]), api.DecodeU32(stack[1]), api.DecodeU32(stack[2]), stack[3])
		}
	}), []api.ValueType{i32, i32, i32, i64}, []api.ValueType{}).Export("on_video_frame")

	// on_call_link(tag: i64, result: i32)
	builder.NewFunctionBuilder().WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, _ api.Module, stack []uint64) {
		if cb := e.callLink.Load(); cb != nil {
			(*cb)(ctx, stack[0], guestPtr(stack[1]))
		}
	}), []api.ValueType{i64, i32}, []api.ValueType{}).Export("on_call_link")

	// debug(ptr: i32, len: i32)
	builder.NewFunctionBuilder().WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, m api.Module, stack []uint64) {
		msg, ok := m.Memory().Read(api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
		if !ok {
			e.log.Warn().Uint32("ptr", api.DecodeU32(stack[0])).Msg("engine debug message out of bounds")
			return
		}
		e.log.Debug().Str("module", m.Name()).Msg(string(msg))
	}), []api.ValueType{i32, i32}, []api.ValueType{}).Export("debug")

	return builder.Instantiate(ctx)
}

func guestPtr(v uint64) ffi.Ptr { return ffi.Ptr(api.DecodeU32(v)) }
