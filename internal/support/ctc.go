package support

import (
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/fxnlabs/dnnsupport/internal/dnn"
	"github.com/fxnlabs/dnnsupport/internal/provider"
)

// CTC losses use label 0 as the blank and apply softmax to the
// probabilities.
const ctcBlankLabel = 0

type ctcLossDescriptor struct {
	api    provider.CTCAPI
	log    *zap.Logger
	handle provider.CTCLossDesc
}

func newCTCLossDescriptor(api provider.CTCAPI, log *zap.Logger, dt provider.DataType) *ctcLossDescriptor {
	d, st := api.CreateCTCLossDescriptor()
	must(log, st, "CreateCTCLossDescriptor")
	must(log, api.SetCTCLossDescriptor(d, dt, ctcBlankLabel, true), "SetCTCLossDescriptor")
	return &ctcLossDescriptor{api: api, log: log, handle: d}
}

func (c *ctcLossDescriptor) Close() {
	must(c.log, c.api.DestroyCTCLossDescriptor(c.handle), "DestroyCTCLossDescriptor")
}

// CtcLossProblem describes a batch of CTC losses. Probs and Grads are
// [time, batch, classes] state descriptors; Labels holds every label
// sequence back to back.
type CtcLossProblem struct {
	Probs        *RnnStateTensorDescriptor
	Grads        *RnnStateTensorDescriptor
	Labels       []int32
	LabelLengths []int32
	InputLengths []int32
}

// PrepareForCtcLoss allocates the scratch memory DoCtcLoss needs and returns
// the algorithm to run it with.
func (s *Support) PrepareForCtcLoss(stream provider.Stream, dt dnn.DataType, prob CtcLossProblem,
	allocator provider.ScratchAllocator) (dnn.DeviceMemory, int, error) {
	pdt, err := s.dataType(dt)
	if err != nil {
		return dnn.DeviceMemory{}, 0, err
	}
	desc := newCTCLossDescriptor(s.p, s.log, pdt)
	defer desc.Close()

	gh := s.acquire(stream)
	size, st := s.p.GetCTCLossWorkspaceSize(gh.Handle(), prob.Probs.handle, prob.Grads.handle,
		prob.Labels, prob.LabelLengths, prob.InputLengths, provider.CTCLossAlgoDeterministic, desc.handle)
	gh.Release()
	must(s.log, st, "GetCTCLossWorkspaceSize")

	algo := int(provider.CTCLossAlgoDeterministic)
	if size == 0 {
		return dnn.DeviceMemory{}, algo, nil
	}
	if allocator == nil {
		return dnn.DeviceMemory{}, algo, newError(KindInternal, "An allocator must be specified when scratch memory is needed")
	}
	mem, err := allocator.AllocateBytes(size)
	if err != nil {
		s.log.Error("Failed to allocate scratch memory",
			zap.String("size", humanize.IBytes(size)), zap.Error(err))
		return dnn.DeviceMemory{}, algo, newError(KindInternal, "Failed to allocate scratch memory for MIOpen CTC Loss, of size: %d", size)
	}
	return mem, algo, nil
}

// DoCtcLoss writes the per-sequence losses to costs and their gradients
// with respect to probs to grads.
func (s *Support) DoCtcLoss(stream provider.Stream, dt dnn.DataType, prob CtcLossProblem, probs, costs, grads dnn.DeviceMemory,
	scratch dnn.DeviceMemory, algo int) error {
	if dt != dnn.Float {
		return newError(KindInvalidArgument, "MIOpenCTCLossDescriptor is supported only when the DataType is float")
	}
	desc := newCTCLossDescriptor(s.p, s.log, provider.Float)
	defer desc.Close()

	gh := s.acquire(stream)
	defer gh.Release()
	st := s.p.CTCLoss(gh.Handle(), provider.CTCLossArgs{
		ProbsDesc:    prob.Probs.handle,
		Probs:        probs,
		Labels:       prob.Labels,
		LabelLengths: prob.LabelLengths,
		InputLengths: prob.InputLengths,
		Costs:        costs,
		GradsDesc:    prob.Grads.handle,
		Grads:        grads,
		Algo:         provider.CTCLossAlgo(algo),
		Desc:         desc.handle,
		Workspace:    scratch,
	})
	must(s.log, st, "CTCLoss")
	return nil
}
