package preprocess

const (
	DefaultInputSize = 224
	Channels         = 3
)

// Layout is the memory order of the model input tensor.
type Layout string

const (
	LayoutNHWC Layout = "NHWC"
	LayoutNCHW Layout = "NCHW"
)
