package runtime

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

const (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64
)

type signature struct {
	params  []api.ValueType
	results []api.ValueType
}

func sig(params []api.ValueType, results ...api.ValueType) signature {
	return signature{params: params, results: results}
}

func vt(types ...api.ValueType) []api.ValueType { return types }

// requiredExports are the entry points of a wasm engine build. Handles and
// 64-bit values are i64, pointers and every other scalar are i32.
var requiredExports = map[string]signature{
	"initRingRTC":             sig(vt(i32), i64),
	"getVersion":              sig(vt(), i64),
	"createCallEndpoint":      sig(vt(), i64),
	"releaseCallEndpoint":     sig(vt(i64)),
	"setSelfUuid":             sig(vt(i64, i32), i64),
	"receivedOffer":           sig(vt(i64, i32, i64, i32, i32, i32, i32, i32, i32, i64), i64),
	"receivedOpaqueMessage":   sig(vt(i64, i32, i32, i32, i32, i64), i64),
	"receivedAnswer":          sig(vt(i64, i32, i64, i32, i32, i32, i32), i64),
	"createOutgoingCall":      sig(vt(i64, i32, i32, i32, i64), i64),
	"proceedCall":             sig(vt(i64, i64, i32, i32, i32, i32, i32, i32), i64),
	"receivedIce":             sig(vt(i64, i64, i32, i32)),
	"acceptCall":              sig(vt(i64, i64), i64),
	"ignoreCall":              sig(vt(i64, i64), i64),
	"hangupCall":              sig(vt(i64), i64),
	"signalMessageSent":       sig(vt(i64, i64), i64),
	"setAudioInput":           sig(vt(i64, i32), i64),
	"setAudioOutput":          sig(vt(i64, i32), i64),
	"setOutgoingAudioEnabled": sig(vt(i64, i32), i64),
	"setOutgoingVideoEnabled": sig(vt(i64, i32), i64),
	"sendVideoFrame":          sig(vt(i64, i32, i32, i32, i32), i64),
	"fillRemoteVideoFrame":    sig(vt(i64, i32, i64), i64),
	"peekGroupCall":           sig(vt(i64, i32, i32), i64),
	"receivedHttpResponse":    sig(vt(i64, i32, i32, i32), i64),
	"createGroupCallClient":   sig(vt(i64, i32, i32, i32), i64),
	"setOutgoingAudioMuted":   sig(vt(i64, i32, i32), i64),
	"setOutgoingVideoMuted":   sig(vt(i64, i32, i32), i64),
	"setDataMode":             sig(vt(i64, i32, i32), i64),
	"group_connect":           sig(vt(i64, i32), i64),
	"join":                    sig(vt(i64, i32), i64),
	"disconnect":              sig(vt(i64, i32), i64),
	"setMembershipProof":      sig(vt(i64, i32, i32), i64),
	"setGroupMembers":         sig(vt(i64, i32, i32), i64),
	"requestVideo":            sig(vt(i64, i32, i32), i64),

	"rtc_calllinks_CallLinkRootKey_parse": sig(vt(i32, i64)),
}

// Optional allocator exports. Guests without them get host managed pages.
const (
	exportMalloc = "malloc"
	exportFree   = "free"
)

// checkExports validates a compiled engine build before it is instantiated.
func checkExports(compiled wazero.CompiledModule) error {
	if n := len(compiled.ExportedMemories()); n != 1 {
		return fmt.Errorf("engine module must export exactly one memory, found %d", n)
	}

	exports := compiled.ExportedFunctions()
	var missing, mismatched []string
	for name, want := range requiredExports {
		def, ok := exports[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		if !sameTypes(def.ParamTypes(), want.params) || !sameTypes(def.ResultTypes(), want.results) {
			mismatched = append(mismatched, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("engine module doesn't have required exports: %s", strings.Join(missing, ", "))
	}
	if len(mismatched) > 0 {
		sort.Strings(mismatched)
		return fmt.Errorf("engine module exports with unexpected signatures: %s", strings.Join(mismatched, ", "))
	}
	return nil
}

func sameTypes(a, b []api.ValueType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// hasAllocator reports whether the guest exports malloc and free.
func hasAllocator(mod api.Module) bool {
	return mod.ExportedFunction(exportMalloc) != nil && mod.ExportedFunction(exportFree) != nil
}

// importsModule reports whether compiled imports any function from module.
func importsModule(compiled wazero.CompiledModule, module string) bool {
	for _, def := range compiled.ImportedFunctions() {
		if m, _, ok := def.Import(); ok && m == module {
			return true
		}
	}
	return false
}
