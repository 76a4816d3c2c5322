package crypto

// SessionKeys holds the two session keys derived at join time (spec §4.5).
type SessionKeys struct {
	NwkSKey [16]byte
	AppSKey [16]byte
}

// DeriveSessionKeys computes NwkSKey and AppSKey from the Join-Accept
// material, per LoRaWAN 1.0.x:
//
//	NwkSKey = aes128_encrypt(AppKey, 0x01 ‖ AppNonce ‖ NetID ‖ DevNonce ‖ pad16)
//	AppSKey = aes128_encrypt(AppKey, 0x02 ‖ AppNonce ‖ NetID ‖ DevNonce ‖ pad16)
func DeriveSessionKeys(appKey [16]byte, appNonce [3]byte, netID [3]byte, devNonce [2]byte) (SessionKeys, error) {
	nwkMsg := sessionKeyBlock(0x01, appNonce, netID, devNonce)
	appMsg := sessionKeyBlock(0x02, appNonce, netID, devNonce)

	nwkOut, err := ecbEncrypt(appKey[:], nwkMsg[:])
	if err != nil {
		return SessionKeys{}, err
	}
	appOut, err := ecbEncrypt(appKey[:], appMsg[:])
	if err != nil {
		return SessionKeys{}, err
	}

	var keys SessionKeys
	copy(keys.NwkSKey[:], nwkOut)
	copy(keys.AppSKey[:], appOut)
	return keys, nil
}

func sessionKeyBlock(prefix byte, appNonce [3]byte, netID [3]byte, devNonce [2]byte) [16]byte {
	var b [16]byte
	b[0] = prefix
	copy(b[1:4], appNonce[:])
	copy(b[4:7], netID[:])
	copy(b[7:9], devNonce[:])
	return b
}
