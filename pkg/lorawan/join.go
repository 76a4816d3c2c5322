package lorawan

import "fmt"

// UnmarshalJoinRequestPayload decodes AppEUI(LE,8) ‖ DevEUI(LE,8) ‖
// DevNonce(2), reversing the EUIs into canonical order.
func UnmarshalJoinRequestPayload(data []byte) (JoinRequestPayload, error) {
	if len(data) != 18 {
		return JoinRequestPayload{}, fmt.Errorf("lorawan: JoinRequest payload must be 18 bytes, got %d", len(data))
	}
	var p JoinRequestPayload
	copy(p.AppEUI[:], Reverse(data[0:8]))
	copy(p.DevEUI[:], Reverse(data[8:16]))
	copy(p.DevNonce[:], data[16:18])
	return p, nil
}

// MarshalJoinAcceptPayload packs AppNonce(3) ‖ NetID(3) ‖ DevAddr(LE,4) ‖
// DLSettings(1) ‖ RxDelay(1) ‖ CFList. DevAddr is reversed onto the wire;
// AppNonce and NetID are not byte-reversed (spec §4.5).
func MarshalJoinAcceptPayload(p JoinAcceptPayload) []byte {
	out := make([]byte, 0, 12+len(p.CFList))
	out = append(out, p.AppNonce[:]...)
	out = append(out, p.NetID[:]...)
	out = append(out, Reverse(p.DevAddr[:])...)
	out = append(out, p.DLSettings.Byte())
	out = append(out, p.RxDelay)
	out = append(out, p.CFList...)
	return out
}

// UnmarshalJoinAcceptPayload is MarshalJoinAcceptPayload's inverse, used by
// tests that want to verify a Join-Accept round-trips.
func UnmarshalJoinAcceptPayload(data []byte) (JoinAcceptPayload, error) {
	if len(data) < 12 {
		return JoinAcceptPayload{}, fmt.Errorf("lorawan: JoinAccept payload must be at least 12 bytes, got %d", len(data))
	}
	var p JoinAcceptPayload
	copy(p.AppNonce[:], data[0:3])
	copy(p.NetID[:], data[3:6])
	copy(p.DevAddr[:], Reverse(data[6:10]))
	p.DLSettings = DecodeDLSettings(data[10])
	p.RxDelay = data[11]
	if len(data) > 12 {
		p.CFList = append([]byte(nil), data[12:]...)
	}
	return p, nil
}
