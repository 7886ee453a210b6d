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
	"bytes"
	"fmt"

	"goarrg.com/debug"
	"goarrg.com/rhi/radv/internal/util"
	"goarrg.com/rhi/radv/nir"
)

// paramUndefined marks a slot without a parameter export.
const paramUndefined = 0xFF

// OutputInfo describes the exports of the last pre-rasterization stage.
type OutputInfo struct {
	ParamOffset      [nir.SlotMax]uint8
	PrimParamOffset  [nir.SlotMax]uint8
	ParamExports     uint32
	PrimParamExports uint32
	PosExports       uint32

	WritesPointSize               bool
	WritesLayer                   bool
	WritesViewport                bool
	WritesPrimitiveShadingRate    bool
	WritesLayerPerPrimitive       bool
	WritesViewportPerPrimitive    bool
	WritesShadingRatePerPrimitive bool

	ClipDistMask uint8
	CullDistMask uint8
	// ExportPrimID and ExportClipDists are decided by linking against the consumer.
	ExportPrimID    bool
	ExportClipDists bool
}

func (o *OutputInfo) reset() {
	*o = OutputInfo{}
	for i := range o.ParamOffset {
		o.ParamOffset[i] = paramUndefined
		o.PrimParamOffset[i] = paramUndefined
	}
}

// NGGInfo is the subgroup sizing of a stage running on the next generation
// geometry path.
type NGGInfo struct {
	ESVertsPerSubgroup    uint32
	GSPrimsPerSubgroup    uint32
	HWMaxESVerts          uint32
	MaxGSPrimsPerSubgroup uint32
	MaxOutVerts           uint32
	PrimAmpFactor         uint32
	MaxVertOutPerGSInst   bool
	// ESGSRingSize is in bytes, NGGEmitSize in dwords.
	ESGSRingSize uint32
	NGGEmitSize  uint32
}

// LegacyGSInfo is the subgroup sizing of a geometry stage on the legacy path.
type LegacyGSInfo struct {
	ESVertsPerSubgroup    uint32
	GSPrimsPerSubgroup    uint32
	GSInstPrimsInSubgroup uint32
	ESGSItemSize          uint32
	ESGSRingSize          uint32
}

// ShaderInfoCommon holds the fields valid for every stage.
type ShaderInfoCommon struct {
	WaveSize      uint32
	WorkgroupSize uint32
	IsNGG         bool
	// ESType is the first half of a merged hardware stage, StageNone otherwise.
	ESType nir.Stage

	DescSetUsedMask           uint32
	LoadsPushConstants        bool
	LoadsDynamicOffsets       bool
	CanInlineAllPushConstants bool
	InlinePushConstantMask    uint64

	UsesViewIndex       bool
	UsesPrimID          bool
	UsesInvocationID    bool
	HasNonUniformAccess bool
	WritesMemory        bool
	HasBarrier          bool
	UsesSubgroupSize    bool
	ForceVRSPerVertex   bool
	UsesFullSubgroups   bool
	// HasStreamout is set when transform feedback captures any output.
	HasStreamout bool

	InputMask        uint64
	OutputMask       uint64
	PatchInputMask   uint64
	PatchOutputMask  uint64
	InputUsage16Bit  uint64
	OutputUsage16Bit uint64

	NumLinkedInputs       uint32
	NumLinkedOutputs      uint32
	NumLinkedPatchInputs  uint32
	NumLinkedPatchOutputs uint32

	Out      OutputInfo
	NGG      NGGInfo
	LegacyGS LegacyGSInfo
}

type VertexInfo struct {
	// InputAttribMask is the set of vertex attribute locations read.
	InputAttribMask uint32
	NeedsInstanceID bool
	NeedsBaseVertex bool
	NeedsDrawID     bool
	AsLS            bool
	AsES            bool
	// DynamicInputs means a separately compiled prolog fetches the attributes.
	DynamicInputs bool
}

type TessCtrlInfo struct {
	TCSVerticesOut      uint32
	TessInputVertices   uint32
	NumPatches          uint32
	LDSSize             uint32
	OutputsWritten      uint64
	PatchOutputsWritten uint64
	TessLevelsWritten   bool
	TessLevelsRead      bool
	Primitive           nir.TessPrimitive
	Spacing             nir.TessSpacing
	Winding             nir.Winding
	PointMode           bool
}

type TessEvalInfo struct {
	Primitive      nir.TessPrimitive
	Spacing        nir.TessSpacing
	Winding        nir.Winding
	PointMode      bool
	TCSVerticesOut uint32
	NumPatches     uint32
	AsES           bool
	ReadsTessCoord bool
}

type GeometryInfo struct {
	VerticesIn  uint32
	VerticesOut uint32
	Invocations uint32
	InputPrim   nir.Primitive
	OutputPrim  nir.Primitive
	MaxStreams  uint8
	// StreamMask has one bit per vertex stream written.
	StreamMask      uint8
	GSVSVertexSize  uint32
	MaxGSVSEmitSize uint32
	HasCopyShader   bool
}

type TaskInfo struct {
	Workgroup    [3]uint32
	UsesDrawID   bool
	UsesGridSize bool
	PayloadSize  uint32
}

type MeshInfo struct {
	Workgroup     [3]uint32
	MaxVertices   uint32
	MaxPrimitives uint32
	OutputPrim    nir.Primitive
	HasTask       bool
}

type FragmentInfo struct {
	ColorsWritten      uint32
	WritesZ            bool
	WritesStencil      bool
	WritesSampleMask   bool
	CanDiscard         bool
	UsesDemote         bool
	ReadsSampleMaskIn  bool
	ReadsSampleID      bool
	ReadsSamplePos     bool
	ReadsFragCoordMask uint8
	ReadsFrontFace     bool
	ReadsHelper        bool
	ReadsShadingRate   bool
	ReadsLayer         bool
	// BaryMask has one bit per barycentric mode read.
	BaryMask           uint32
	EarlyFragmentTests bool
	PostDepthCoverage  bool
	DepthLayout        nir.DepthLayout
	UsesSampleShading  bool
	NumInterp          uint32
	NumPrimInterp      uint32
	FlatShadedMask     uint32
	ExplicitShadedMask uint32
	PerPrimInputMask   uint64
	InputSlotMask      uint64
}

type ComputeInfo struct {
	Workgroup             [3]uint32
	UsesGridSize          bool
	UsesLocalInvocationID bool
	UsesWorkgroupID       bool
	UsesSharedMemory      bool
}

// stageInfo is the per stage payload of a ShaderInfo.
type stageInfo interface {
	infoStage() nir.Stage
}

func (*VertexInfo) infoStage() nir.Stage   { return nir.StageVertex }
func (*TessCtrlInfo) infoStage() nir.Stage { return nir.StageTessCtrl }
func (*TessEvalInfo) infoStage() nir.Stage { return nir.StageTessEval }
func (*GeometryInfo) infoStage() nir.Stage { return nir.StageGeometry }
func (*TaskInfo) infoStage() nir.Stage     { return nir.StageTask }
func (*MeshInfo) infoStage() nir.Stage     { return nir.StageMesh }
func (*FragmentInfo) infoStage() nir.Stage { return nir.StageFragment }
func (*ComputeInfo) infoStage() nir.Stage  { return nir.StageCompute }

func newStageInfo(stage nir.Stage) stageInfo {
	switch stage {
	case nir.StageVertex:
		return &VertexInfo{}
	case nir.StageTessCtrl:
		return &TessCtrlInfo{}
	case nir.StageTessEval:
		return &TessEvalInfo{}
	case nir.StageGeometry:
		return &GeometryInfo{}
	case nir.StageTask:
		return &TaskInfo{}
	case nir.StageMesh:
		return &MeshInfo{}
	case nir.StageFragment:
		return &FragmentInfo{}
	case nir.StageCompute:
		return &ComputeInfo{}

	default:
		abort("Unknown Stage: %d", stage)
		return nil
	}
}

// ShaderInfo is the static description of one stage, the payload is a tagged
// variant selected by Stage. Accessing the payload of another stage aborts.
type ShaderInfo struct {
	Stage     nir.Stage
	NextStage nir.Stage
	ShaderInfoCommon

	payload stageInfo
	// merged is the payload of the first half of a merged hardware stage.
	merged stageInfo
}

func newShaderInfo(stage, next nir.Stage) ShaderInfo {
	info := ShaderInfo{
		Stage:     stage,
		NextStage: next,
		payload:   newStageInfo(stage),
	}
	info.ESType = nir.StageNone
	info.CanInlineAllPushConstants = true
	info.Out.reset()
	return info
}

func payloadAs[T stageInfo](info *ShaderInfo, p stageInfo, want nir.Stage) T {
	v, ok := p.(T)
	if !ok {
		abort("ShaderInfo of stage %s accessed as %s", info.Stage, want)
	}
	return v
}

func (info *ShaderInfo) VS() *VertexInfo {
	return payloadAs[*VertexInfo](info, info.payload, nir.StageVertex)
}

func (info *ShaderInfo) TCS() *TessCtrlInfo {
	return payloadAs[*TessCtrlInfo](info, info.payload, nir.StageTessCtrl)
}

func (info *ShaderInfo) TES() *TessEvalInfo {
	return payloadAs[*TessEvalInfo](info, info.payload, nir.StageTessEval)
}

func (info *ShaderInfo) GS() *GeometryInfo {
	return payloadAs[*GeometryInfo](info, info.payload, nir.StageGeometry)
}

func (info *ShaderInfo) Task() *TaskInfo {
	return payloadAs[*TaskInfo](info, info.payload, nir.StageTask)
}

func (info *ShaderInfo) Mesh() *MeshInfo {
	return payloadAs[*MeshInfo](info, info.payload, nir.StageMesh)
}

func (info *ShaderInfo) FS() *FragmentInfo {
	return payloadAs[*FragmentInfo](info, info.payload, nir.StageFragment)
}

func (info *ShaderInfo) CS() *ComputeInfo {
	return payloadAs[*ComputeInfo](info, info.payload, nir.StageCompute)
}

// MergedVS returns the vertex payload of a merged LS-HS or ES-GS stage.
func (info *ShaderInfo) MergedVS() *VertexInfo {
	return payloadAs[*VertexInfo](info, info.merged, nir.StageVertex)
}

// MergedTES returns the tess-eval payload of a merged ES-GS stage.
func (info *ShaderInfo) MergedTES() *TessEvalInfo {
	return payloadAs[*TessEvalInfo](info, info.merged, nir.StageTessEval)
}

// Workgroup returns the declared workgroup size of compute like stages.
func (info *ShaderInfo) workgroup() [3]uint32 {
	switch p := info.payload.(type) {
	case *ComputeInfo:
		return p.Workgroup
	case *TaskInfo:
		return p.Workgroup
	case *MeshInfo:
		return p.Workgroup
	}
	return [3]uint32{}
}

func (info *ShaderInfo) clone() ShaderInfo {
	c := *info
	c.payload = clonePayload(info.payload)
	c.merged = clonePayload(info.merged)
	return c
}

func clonePayload(p stageInfo) stageInfo {
	switch v := p.(type) {
	case nil:
		return nil
	case *VertexInfo:
		c := *v
		return &c
	case *TessCtrlInfo:
		c := *v
		return &c
	case *TessEvalInfo:
		c := *v
		return &c
	case *GeometryInfo:
		c := *v
		return &c
	case *TaskInfo:
		c := *v
		return &c
	case *MeshInfo:
		c := *v
		return &c
	case *FragmentInfo:
		c := *v
		return &c
	case *ComputeInfo:
		c := *v
		return &c

	default:
		abort("Unknown payload type: %T", p)
		return nil
	}
}

func encodePayload(w *util.Writer, p stageInfo) {
	if p == nil {
		w.U8(uint8(nir.StageNone))
		return
	}
	w.U8(uint8(p.infoStage()))
	switch v := p.(type) {
	case *VertexInfo:
		util.Write(w, *v)
	case *TessCtrlInfo:
		util.Write(w, *v)
	case *TessEvalInfo:
		util.Write(w, *v)
	case *GeometryInfo:
		util.Write(w, *v)
	case *TaskInfo:
		util.Write(w, *v)
	case *MeshInfo:
		util.Write(w, *v)
	case *FragmentInfo:
		util.Write(w, *v)
	case *ComputeInfo:
		util.Write(w, *v)
	}
}

func decodePayload(r *util.Reader) (stageInfo, error) {
	tag := nir.Stage(r.U8())
	if tag == nir.StageNone {
		return nil, r.Err()
	}
	if tag >= nir.StageCount {
		return nil, debug.Errorf("Invalid ShaderInfo payload tag: %d", tag)
	}
	p := newStageInfo(tag)
	switch v := p.(type) {
	case *VertexInfo:
		util.Read(r, v)
	case *TessCtrlInfo:
		util.Read(r, v)
	case *TessEvalInfo:
		util.Read(r, v)
	case *GeometryInfo:
		util.Read(r, v)
	case *TaskInfo:
		util.Read(r, v)
	case *MeshInfo:
		util.Read(r, v)
	case *FragmentInfo:
		util.Read(r, v)
	case *ComputeInfo:
		util.Read(r, v)
	}
	return p, r.Err()
}

// encode writes the fixed layout binary form used by the cache.
func (info *ShaderInfo) encode(w *util.Writer) {
	w.U32(uint32(info.Stage))
	w.U32(uint32(info.NextStage))
	util.Write(w, info.ShaderInfoCommon)
	encodePayload(w, info.payload)
	encodePayload(w, info.merged)
}

func decodeShaderInfo(r *util.Reader) (ShaderInfo, error) {
	info := ShaderInfo{Stage: nir.Stage(r.U32()), NextStage: nir.Stage(r.U32())}
	util.Read(r, &info.ShaderInfoCommon)
	if r.Err() != nil {
		return ShaderInfo{}, debug.ErrorWrapf(r.Err(), "Failed to decode ShaderInfo")
	}
	if info.Stage >= nir.StageCount {
		return ShaderInfo{}, debug.Errorf("Invalid ShaderInfo stage: %d", info.Stage)
	}

	var err error
	if info.payload, err = decodePayload(r); err != nil {
		return ShaderInfo{}, debug.ErrorWrapf(err, "Failed to decode ShaderInfo payload")
	}
	if info.payload == nil || info.payload.infoStage() != info.Stage {
		return ShaderInfo{}, debug.Errorf("ShaderInfo payload does not match stage %s", info.Stage)
	}
	if info.merged, err = decodePayload(r); err != nil {
		return ShaderInfo{}, debug.ErrorWrapf(err, "Failed to decode merged ShaderInfo payload")
	}
	return info, nil
}

func (info *ShaderInfo) MarshalJSON() ([]byte, error) {
	buff := bytes.Buffer{}
	buff.WriteString("{")

	buff.WriteString(fmt.Sprintf("\"Stage\": %q,", info.Stage.String()))
	buff.WriteString(fmt.Sprintf("\"NextStage\": %q,", info.NextStage.String()))
	buff.WriteString(fmt.Sprintf("\"ESType\": %q,", info.ESType.String()))
	buff.WriteString(fmt.Sprintf("\"WaveSize\": %d,", info.WaveSize))
	buff.WriteString(fmt.Sprintf("\"WorkgroupSize\": %d,", info.WorkgroupSize))
	buff.WriteString(fmt.Sprintf("\"IsNGG\": %t,", info.IsNGG))
	buff.WriteString(fmt.Sprintf("\"DescSetUsedMask\": %q,", toHex(info.DescSetUsedMask)))
	buff.WriteString(fmt.Sprintf("\"LoadsPushConstants\": %t,", info.LoadsPushConstants))
	buff.WriteString(fmt.Sprintf("\"LoadsDynamicOffsets\": %t,", info.LoadsDynamicOffsets))
	buff.WriteString(fmt.Sprintf("\"CanInlineAllPushConstants\": %t,", info.CanInlineAllPushConstants))
	buff.WriteString(fmt.Sprintf("\"InlinePushConstantMask\": %q,", toHex(info.InlinePushConstantMask)))
	buff.WriteString(fmt.Sprintf("\"UsesViewIndex\": %t,", info.UsesViewIndex))
	buff.WriteString(fmt.Sprintf("\"UsesPrimID\": %t,", info.UsesPrimID))
	buff.WriteString(fmt.Sprintf("\"HasNonUniformAccess\": %t,", info.HasNonUniformAccess))
	buff.WriteString(fmt.Sprintf("\"WritesMemory\": %t,", info.WritesMemory))
	buff.WriteString(fmt.Sprintf("\"InputMask\": %q,", toHex(info.InputMask)))
	buff.WriteString(fmt.Sprintf("\"OutputMask\": %q,", toHex(info.OutputMask)))
	buff.WriteString(fmt.Sprintf("\"NumLinkedInputs\": %d,", info.NumLinkedInputs))
	buff.WriteString(fmt.Sprintf("\"NumLinkedOutputs\": %d,", info.NumLinkedOutputs))
	buff.WriteString(fmt.Sprintf("\"NumLinkedPatchOutputs\": %d,", info.NumLinkedPatchOutputs))

	buff.WriteString("\"Out\": {")
	buff.WriteString(fmt.Sprintf("\"ParamExports\": %d,", info.Out.ParamExports))
	buff.WriteString(fmt.Sprintf("\"PrimParamExports\": %d,", info.Out.PrimParamExports))
	buff.WriteString(fmt.Sprintf("\"PosExports\": %d,", info.Out.PosExports))
	buff.WriteString("\"ParamOffset\": {")
	n := 0
	for slot, offset := range info.Out.ParamOffset {
		if offset != paramUndefined {
			buff.WriteString(fmt.Sprintf("\"%d\": %d,", slot, offset))
			n++
		}
	}
	if n > 0 {
		buff.Truncate(buff.Len() - 1)
	}
	buff.WriteString("},")
	buff.WriteString(fmt.Sprintf("\"ExportPrimID\": %t,", info.Out.ExportPrimID))
	buff.WriteString(fmt.Sprintf("\"ExportClipDists\": %t", info.Out.ExportClipDists))
	buff.WriteString("},")

	if info.IsNGG {
		buff.WriteString(fmt.Sprintf("\"NGG\": %s,", jsonString(info.NGG)))
	} else if info.Stage == nir.StageGeometry {
		buff.WriteString(fmt.Sprintf("\"LegacyGS\": %s,", jsonString(info.LegacyGS)))
	}
	if info.merged != nil {
		buff.WriteString(fmt.Sprintf("\"Merged\": %s,", jsonString(info.merged)))
	}
	buff.WriteString(fmt.Sprintf("\"%s\": %s", info.Stage.String(), jsonString(info.payload)))

	buff.WriteString("}")
	return buff.Bytes(), nil
}
