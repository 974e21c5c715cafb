package main

const (
	ServiceName = "AgarVision Backend"
	ModuleName  = "thisara-disease"

	MsgRunning = "AgarVision backend running"

	MsgNoImage      = "No image found in the request. Upload the leaf photo as the \"file\" form field."
	MsgInvalidImage = "The uploaded file is not a readable image. Please upload a JPEG, PNG or WebP photo of the leaf."
	MsgModelDown    = "The disease model is not available right now. Please try again later."
	MsgEncodeFailed = "Failed to encode the response."
)
