package dnn

type RnnInputMode int

const (
	RnnLinearSkip RnnInputMode = iota
	RnnSkipInput
)

type RnnDirectionMode int

const (
	RnnUnidirectional RnnDirectionMode = iota
	RnnBidirectional
)

type RnnMode int

const (
	RnnRelu RnnMode = iota
	RnnTanh
	RnnLstm
	RnnGru
)

// ParamsRegion locates one weight or bias block inside the packed params
// buffer.
type ParamsRegion struct {
	Offset int64
	Size   int64
}
