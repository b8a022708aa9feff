package support

import (
	"go.uber.org/zap"

	"github.com/fxnlabs/dnnsupport/internal/dnn"
	"github.com/fxnlabs/dnnsupport/internal/provider"
)

// BatchNormForwardArgs are the tensors of a spatial batch normalization.
// Inference reads EstimatedMean and EstimatedVariance; training updates
// BatchMean and BatchVariance with ExponentialAverageFactor and writes the
// saved statistics for the backward pass.
type BatchNormForwardArgs struct {
	X                        dnn.DeviceMemory
	Scale                    dnn.DeviceMemory
	Offset                   dnn.DeviceMemory
	EstimatedMean            dnn.DeviceMemory
	EstimatedVariance        dnn.DeviceMemory
	XDesc                    dnn.BatchDescriptor
	ScaleOffsetDesc          dnn.BatchDescriptor
	Epsilon                  float64
	ExponentialAverageFactor float64
	Y                        dnn.DeviceMemory
	BatchMean                dnn.DeviceMemory
	BatchVariance            dnn.DeviceMemory
	SavedMean                dnn.DeviceMemory
	SavedInvVariance         dnn.DeviceMemory
	IsTraining               bool
}

type BatchNormBackwardArgs struct {
	YBackprop       dnn.DeviceMemory
	X               dnn.DeviceMemory
	Scale           dnn.DeviceMemory
	Mean            dnn.DeviceMemory
	InvVariance     dnn.DeviceMemory
	XDesc           dnn.BatchDescriptor
	ScaleOffsetDesc dnn.BatchDescriptor
	Epsilon         float64
	XBackprop       dnn.DeviceMemory
	ScaleBackprop   dnn.DeviceMemory
	OffsetBackprop  dnn.DeviceMemory
}

func (s *Support) DoBatchNormalizationForward(stream provider.Stream, dt, scaleType dnn.DataType, a BatchNormForwardArgs) bool {
	pdt, pst, ok := s.batchNormTypes(dt, scaleType)
	if !ok {
		return false
	}
	x := newBatchTensor(s.p, s.log, a.XDesc, pdt)
	defer x.Close()
	so := newBatchTensor(s.p, s.log, a.ScaleOffsetDesc, pst)
	defer so.Close()

	gh := s.acquire(stream)
	defer gh.Release()

	var st provider.Status
	if a.IsTraining {
		st = s.p.BatchNormalizationForwardTraining(gh.Handle(), provider.BNSpatial, 1, 0, provider.BatchNormTrainingArgs{
			XDesc:                    x.handle,
			X:                        a.X,
			YDesc:                    x.handle,
			Y:                        a.Y,
			ScaleBiasDesc:            so.handle,
			Scale:                    a.Scale,
			Bias:                     a.Offset,
			ExponentialAverageFactor: a.ExponentialAverageFactor,
			RunningMean:              a.BatchMean,
			RunningVariance:          a.BatchVariance,
			Epsilon:                  a.Epsilon,
			SavedMean:                a.SavedMean,
			SavedInvVariance:         a.SavedInvVariance,
		})
	} else {
		st = s.p.BatchNormalizationForwardInference(gh.Handle(), provider.BNSpatial, 1, 0, provider.BatchNormInferenceArgs{
			XDesc:             x.handle,
			X:                 a.X,
			YDesc:             x.handle,
			Y:                 a.Y,
			ScaleBiasDesc:     so.handle,
			Scale:             a.Scale,
			Bias:              a.Offset,
			EstimatedMean:     a.EstimatedMean,
			EstimatedVariance: a.EstimatedVariance,
			Epsilon:           a.Epsilon,
		})
	}
	if failed(st, "BatchNormalizationForward") {
		s.log.Error("failed to enqueue forward batch normalization on stream",
			zap.Stringer("status", st), zap.Bool("training", a.IsTraining))
		return false
	}
	return true
}

func (s *Support) DoBatchNormalizationBackward(stream provider.Stream, dt, scaleType dnn.DataType, a BatchNormBackwardArgs) bool {
	pdt, pst, ok := s.batchNormTypes(dt, scaleType)
	if !ok {
		return false
	}
	x := newBatchTensor(s.p, s.log, a.XDesc, pdt)
	defer x.Close()
	so := newBatchTensor(s.p, s.log, a.ScaleOffsetDesc, pst)
	defer so.Close()

	gh := s.acquire(stream)
	defer gh.Release()

	st := s.p.BatchNormalizationBackward(gh.Handle(), provider.BNSpatial, 1, 0, 1, 0, provider.BatchNormBackwardArgs{
		XDesc:            x.handle,
		X:                a.X,
		DYDesc:           x.handle,
		DY:               a.YBackprop,
		DXDesc:           x.handle,
		DX:               a.XBackprop,
		ScaleBiasDesc:    so.handle,
		Scale:            a.Scale,
		ScaleGrad:        a.ScaleBackprop,
		BiasGrad:         a.OffsetBackprop,
		Epsilon:          a.Epsilon,
		SavedMean:        a.Mean,
		SavedInvVariance: a.InvVariance,
	})
	if failed(st, "BatchNormalizationBackward") {
		s.log.Error("failed to enqueue backward batch normalization on stream", zap.Stringer("status", st))
		return false
	}
	return true
}
