/*
Copyright 2025 The goARRG Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package radv

import (
	"reflect"
	"testing"

	"goarrg.com/rhi/radv/nir"
)

func countArgs(args *ShaderArgs, kind ArgKind) int {
	n := 0
	for _, a := range args.Args {
		if a.Kind == kind {
			n++
		}
	}
	return n
}

func checkUserSGPRLayout(t *testing.T, args *ShaderArgs) {
	t.Helper()
	next := uint8(0)
	for _, a := range args.Args {
		if a.File != ArgSGPR {
			continue
		}
		if a.Reg != next {
			t.Fatalf("%s starts at s%d, want s%d", a.Kind, a.Reg, next)
		}
		if !a.User && uint32(a.Reg) < args.NumUserSGPRs {
			t.Fatalf("System SGPR %s at s%d overlaps %d user SGPRs", a.Kind, a.Reg, args.NumUserSGPRs)
		}
		next += a.Size
	}
	if uint32(next) != args.NumSGPRs {
		t.Fatalf("NumSGPRs = %d, want %d", args.NumSGPRs, next)
	}
}

func TestInlinePushConstants(t *testing.T) {
	tests := []struct {
		name            string
		mask            uint64
		canInlineAll    bool
		dynamicOffsets  bool
		wantMask        uint64
		wantAll         bool
		wantPushPointer bool
	}{
		{"all", bitRange(0, 4), true, false, bitRange(0, 4), true, false},
		{"all-up-to-freed-pointer", bitRange(0, 14), true, false, bitRange(0, 14), true, false},
		{"dynamic-offsets", bitRange(0, 4), true, true, bitRange(0, 4), false, true},
		{"indirect-access", bitRange(0, 4), false, false, bitRange(0, 4), false, true},
		{"lowest-words", bitRange(0, 16), false, false, bitRange(0, 8), false, true},
		{"too-many-for-all", bitRange(0, 15), true, false, bitRange(0, 8), false, true},
		{"sparse", 1<<2 | 1<<9 | 1<<40, false, false, 1<<2 | 1<<9 | 1<<40, false, true},
	}
	props := testProps(GFX10_3)
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			info := newShaderInfo(nir.StageCompute, nir.StageNone)
			info.LoadsPushConstants = true
			info.InlinePushConstantMask = test.mask
			info.CanInlineAllPushConstants = test.canInlineAll
			info.LoadsDynamicOffsets = test.dynamicOffsets

			args := DeclareArgs(props, &PipelineKey{}, &info, nir.StageCompute, nir.StageNone)
			if args.InlinePushConstantMask != test.wantMask {
				t.Errorf("InlinePushConstantMask = %s, want %s", toHex(args.InlinePushConstantMask), toHex(test.wantMask))
			}
			if args.InlinedAllPushConsts != test.wantAll {
				t.Errorf("InlinedAllPushConsts = %t, want %t", args.InlinedAllPushConsts, test.wantAll)
			}
			if args.has(ArgPushConstants) != test.wantPushPointer {
				t.Errorf("Push constant pointer declared = %t, want %t", args.has(ArgPushConstants), test.wantPushPointer)
			}
			if n := countArgs(&args, ArgInlinePushConst); n != int(bitCount(test.wantMask)) {
				t.Errorf("Got %d inline push constant args, want %d", n, bitCount(test.wantMask))
			}
			forEachBit(test.wantMask, func(dw uint32) {
				if args.Find(ArgInlinePushConst, uint8(dw)) < 0 {
					t.Errorf("Missing inline push constant dword %d", dw)
				}
			})
			if args.NumUserSGPRs > props.MaxUserSGPRs.Compute {
				t.Errorf("NumUserSGPRs = %d exceeds %d", args.NumUserSGPRs, props.MaxUserSGPRs.Compute)
			}
			checkUserSGPRLayout(t, &args)
		})
	}
}

func TestInlinePushConstantsGathered(t *testing.T) {
	b := nir.NewBuilder(nir.StageCompute, "main")
	b.Modes().Workgroup = [3]uint32{64, 1, 1}
	sum := b.Const32(0)
	for i := uint32(0); i < 14; i++ {
		sum = b.IAdd(sum, b.LoadPushConstant(0, 64, b.Const32(i*4), 1))
	}
	s := b.Shader()

	props := testProps(GFX10_3)
	key := PipelineKey{GfxLevel: GFX10_3}
	info := gatherShaderInfo(props, s, &key, nil, nir.StageNone, false)
	if !info.LoadsPushConstants || !info.CanInlineAllPushConstants {
		t.Fatalf("LoadsPushConstants = %t, CanInlineAllPushConstants = %t", info.LoadsPushConstants, info.CanInlineAllPushConstants)
	}
	if info.InlinePushConstantMask != bitRange(0, 14) {
		t.Fatalf("InlinePushConstantMask = %s", toHex(info.InlinePushConstantMask))
	}

	args := DeclareArgs(props, &key, &info, nir.StageCompute, nir.StageNone)
	if !args.InlinedAllPushConsts {
		t.Errorf("Expected every push constant to be inlined")
	}
	if args.has(ArgPushConstants) {
		t.Errorf("Push constant pointer declared although everything is inlined")
	}
	if n := countArgs(&args, ArgInlinePushConst); n != 14 {
		t.Errorf("Got %d inline push constant args, want 14", n)
	}
	if args.NumUserSGPRs != 16 {
		t.Errorf("NumUserSGPRs = %d, want 16", args.NumUserSGPRs)
	}
	if args.RemainingUserSGPRs != 0 {
		t.Errorf("RemainingUserSGPRs = %d, want 0", args.RemainingUserSGPRs)
	}
}

func TestIndirectPushConstantOffset(t *testing.T) {
	b := nir.NewBuilder(nir.StageCompute, "main")
	id := b.Extract(b.SysVal(nir.OpLoadLocalInvocationID), 0)
	b.LoadPushConstant(0, 64, b.IMul(id, b.Const32(4)), 1)
	b.LoadPushConstant(0, 64, b.Const32(8), 1)

	info := gatherShaderInfo(testProps(GFX10_3), b.Shader(), &PipelineKey{GfxLevel: GFX10_3}, nil, nir.StageNone, false)
	if info.CanInlineAllPushConstants {
		t.Errorf("Expected a dynamically indexed push constant to prevent inlining everything")
	}
	if info.InlinePushConstantMask != 1<<2 {
		t.Errorf("InlinePushConstantMask = %s, want 0x4", toHex(info.InlinePushConstantMask))
	}
}

func TestIndirectDescriptorSets(t *testing.T) {
	tests := []struct {
		name         string
		sets         uint32
		wantIndirect bool
	}{
		{"one", 0x1, false},
		{"sparse", 0x5, false},
		{"fits", bitMask32(14), false},
		{"overflow", bitMask32(15), true},
	}
	props := testProps(GFX10_3)
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			info := newShaderInfo(nir.StageCompute, nir.StageNone)
			info.DescSetUsedMask = test.sets

			args := DeclareArgs(props, &PipelineKey{}, &info, nir.StageCompute, nir.StageNone)
			if args.IndirectDescSets != test.wantIndirect {
				t.Fatalf("IndirectDescSets = %t, want %t", args.IndirectDescSets, test.wantIndirect)
			}
			if test.wantIndirect {
				if !args.has(ArgIndirectDescSets) || countArgs(&args, ArgDescSet) != 0 {
					t.Errorf("Expected a single indirect descriptor set pointer: %s", jsonString(&args))
				}
			} else {
				forEachBit(uint64(test.sets), func(set uint32) {
					if args.Find(ArgDescSet, uint8(set)) < 0 {
						t.Errorf("Missing descriptor set %d", set)
					}
				})
			}
			checkUserSGPRLayout(t, &args)
		})
	}
}

func bitMask32(n uint32) uint32 {
	return uint32(bitRange(0, n))
}

func TestDeclareArgsDeterministic(t *testing.T) {
	props := testProps(GFX10_3)
	key := PipelineKey{DynamicStates: DynamicStateVertexInput}
	info := newShaderInfo(nir.StageVertex, nir.StageFragment)
	info.DescSetUsedMask = 0x3
	info.LoadsPushConstants = true
	info.InlinePushConstantMask = bitRange(0, 2)
	info.UsesViewIndex = true
	info.VS().DynamicInputs = true
	info.VS().NeedsDrawID = true

	a := DeclareArgs(props, &key, &info, nir.StageVertex, nir.StageNone)
	b := DeclareArgs(props, &key, &info, nir.StageVertex, nir.StageNone)
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("DeclareArgs is not deterministic:\n%s\n%s", jsonString(&a), jsonString(&b))
	}
	checkUserSGPRLayout(t, &a)

	for _, kind := range []ArgKind{ArgPrologInputs, ArgBaseVertex, ArgStartInstance, ArgDrawID, ArgViewIndex} {
		if !a.has(kind) {
			t.Errorf("Missing %s", kind)
		}
	}
	if a.has(ArgVertexBuffers) {
		t.Errorf("Vertex buffers are fetched by the prolog when inputs are dynamic")
	}
	if len(a.Preserved) != len(a.Args)-1 {
		t.Fatalf("Preserved %d args, want %d", len(a.Preserved), len(a.Args)-1)
	}
	for _, arg := range a.Preserved {
		if arg.Kind == ArgPrologInputs {
			t.Errorf("Prolog inputs must not be preserved")
		}
	}
}

func TestDeclareArgsStages(t *testing.T) {
	tests := []struct {
		name     string
		gfx      GfxLevel
		stage    nir.Stage
		previous nir.Stage
		next     nir.Stage
		setup    func(*ShaderInfo, *PipelineKey)
		want     []ArgKind
		notWant  []ArgKind
	}{
		{
			name: "vs-legacy", gfx: GFX8, stage: nir.StageVertex, previous: nir.StageNone, next: nir.StageFragment,
			setup: func(info *ShaderInfo, _ *PipelineKey) { info.VS().InputAttribMask = 1 },
			want:  []ArgKind{ArgVertexBuffers, ArgStreamoutBuffers, ArgVertexID, ArgInstanceID},
		},
		{
			name: "vs-ngg", gfx: GFX10_3, stage: nir.StageVertex, previous: nir.StageNone, next: nir.StageFragment,
			setup:   func(info *ShaderInfo, _ *PipelineKey) { info.IsNGG = true },
			want:    []ArgKind{ArgBaseVertex, ArgStartInstance},
			notWant: []ArgKind{ArgStreamoutBuffers, ArgVertexBuffers},
		},
		{
			name: "fs-epilog", gfx: GFX10_3, stage: nir.StageFragment, previous: nir.StageNone, next: nir.StageNone,
			setup: func(info *ShaderInfo, key *PipelineKey) {
				info.FS().ColorsWritten = 1
				info.FS().BaryMask = 1 << nir.BaryLinearCenter
				key.DynamicStates = DynamicStateColorWriteMask
			},
			want: []ArgKind{ArgEpilogPC, ArgPrimMask, ArgBarycentric, ArgFragPos},
		},
		{
			name: "fs-static-blend", gfx: GFX10_3, stage: nir.StageFragment, previous: nir.StageNone, next: nir.StageNone,
			setup:   func(info *ShaderInfo, _ *PipelineKey) { info.FS().ColorsWritten = 1 },
			notWant: []ArgKind{ArgEpilogPC},
		},
		{
			name: "cs-grid", gfx: GFX11, stage: nir.StageCompute, previous: nir.StageNone, next: nir.StageNone,
			setup: func(info *ShaderInfo, _ *PipelineKey) { info.CS().UsesGridSize = true },
			want:  []ArgKind{ArgNumWorkgroups, ArgWorkgroupID, ArgLocalInvocationID},
		},
		{
			name: "task", gfx: GFX10_3, stage: nir.StageTask, previous: nir.StageNone, next: nir.StageMesh,
			setup: func(info *ShaderInfo, _ *PipelineKey) { info.Task().UsesDrawID = true },
			want:  []ArgKind{ArgTaskRingEntry, ArgDrawID},
		},
		{
			name: "merged-ls-hs", gfx: GFX9, stage: nir.StageTessCtrl, previous: nir.StageVertex, next: nir.StageTessEval,
			setup: func(info *ShaderInfo, _ *PipelineKey) {
				info.merged = &VertexInfo{InputAttribMask: 1, AsLS: true}
				info.ESType = nir.StageVertex
			},
			want: []ArgKind{ArgVertexBuffers, ArgMergedWaveInfo, ArgPatchID, ArgVertexID},
		},
		{
			name: "ngg-gs-on-tes", gfx: GFX10_3, stage: nir.StageGeometry, previous: nir.StageTessEval, next: nir.StageFragment,
			setup: func(info *ShaderInfo, _ *PipelineKey) {
				info.IsNGG = true
				info.merged = &TessEvalInfo{AsES: true}
				info.ESType = nir.StageTessEval
			},
			want:    []ArgKind{ArgNGGState, ArgGSVtxOffset, ArgTessCoord},
			notWant: []ArgKind{ArgBaseVertex, ArgVertexID},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			props := testProps(test.gfx)
			key := PipelineKey{GfxLevel: test.gfx}
			info := newShaderInfo(test.stage, test.next)
			if test.setup != nil {
				test.setup(&info, &key)
			}
			args := DeclareArgs(props, &key, &info, test.stage, test.previous)
			for _, kind := range test.want {
				if !args.has(kind) {
					t.Errorf("Missing %s: %s", kind, jsonString(&args))
				}
			}
			for _, kind := range test.notWant {
				if args.has(kind) {
					t.Errorf("Unexpected %s: %s", kind, jsonString(&args))
				}
			}
			checkUserSGPRLayout(t, &args)
		})
	}
}

func TestLocalInvocationIDPacking(t *testing.T) {
	for _, test := range []struct {
		gfx  GfxLevel
		size uint8
	}{{GFX10_3, 3}, {GFX11, 1}} {
		info := newShaderInfo(nir.StageCompute, nir.StageNone)
		args := DeclareArgs(testProps(test.gfx), &PipelineKey{}, &info, nir.StageCompute, nir.StageNone)
		i := args.Find(ArgLocalInvocationID, 0)
		if i < 0 {
			t.Fatalf("%s: missing local invocation id", test.gfx)
		}
		if args.Args[i].Size != test.size {
			t.Errorf("%s: local invocation id uses %d VGPRs, want %d", test.gfx, args.Args[i].Size, test.size)
		}
	}
}

func TestDeclareArgsMergedWithoutSupport(t *testing.T) {
	props := testProps(GFX8)
	info := newShaderInfo(nir.StageTessCtrl, nir.StageTessEval)
	expectAbort(t, func() {
		DeclareArgs(props, &PipelineKey{}, &info, nir.StageTessCtrl, nir.StageVertex)
	})
}
