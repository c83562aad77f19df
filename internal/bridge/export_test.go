package bridge

// NewOpenclawWakerForTest builds an openclaw waker bound to a stand-in
// executable so tests don't need the real CLI on PATH.
func NewOpenclawWakerForTest(openclawID, binary string) Waker {
	return &openclawWaker{openclawID: openclawID, binary: binary}
}
