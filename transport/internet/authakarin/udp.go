package authakarin

// UDP datagrams are self-contained: no hash chain, no handshake, a
// single HMAC-MD5 byte tag per datagram. Each function below takes a
// ServerInfo directly rather than a Session, since UDP has no persistent
// per-connection state to carry between calls.

const udpPadModulus = 127

func udpPadLen(md5data []byte) int {
	return int(newPRNGFromBin(md5data).nextMod(udpPadModulus))
}

func udpCipher(userKey, md5data, serverKey []byte) (*payloadCipher, error) {
	key := udpKeyMaterial(userKey, md5data)
	iv := serverKey
	if len(iv) > 8 {
		iv = iv[:8]
	}
	c, err := chacha20UnauthCipher(key, iv)
	if err != nil {
		return nil, err
	}
	// Flush the empty first block the way the reference stream-cipher
	// wrapper does, matching the handshake's iv-suppression pattern.
	var scratch [0]byte
	c.XORKeyStream(scratch[:], scratch[:])
	return &payloadCipher{enc: c, dec: c}, nil
}

// ClientUDPPreEncrypt builds one outbound client datagram.
func ClientUDPPreEncrypt(info *ServerInfo, uid uint32, userKey, plaintext []byte) ([]byte, error) {
	authdata := randBytes(3)
	md5data := hmacMD5(info.Key, authdata)

	c, err := udpCipher(userKey, md5data, info.Key)
	if err != nil {
		return nil, err
	}
	ciphertext := make([]byte, len(plaintext))
	c.Encrypt(ciphertext, plaintext)

	padLen := udpPadLen(md5data)
	pad := randBytes(padLen)

	uidEnc := uid ^ leUint32(md5data[0:4])
	var uidBuf [4]byte
	putLeUint32(uidBuf[:], uidEnc)

	body := make([]byte, 0, len(ciphertext)+padLen+3+4)
	body = append(body, ciphertext...)
	body = append(body, pad...)
	body = append(body, authdata...)
	body = append(body, uidBuf[:]...)

	tag := hmacMD5(userKey, body)
	return append(body, tag[0]), nil
}

// ClientUDPPostDecrypt consumes a server reply datagram, returning the
// plaintext or a nil slice on tag mismatch (per the UDP-mismatch error
// policy: silently return empty, never raise).
func ClientUDPPostDecrypt(info *ServerInfo, userKey []byte, buf []byte) []byte {
	if len(buf) < 9 {
		return nil
	}
	tag := buf[len(buf)-1]
	signed := buf[:len(buf)-1]
	if hmacMD5(userKey, signed)[0] != tag {
		return nil
	}

	authdata := buf[len(buf)-8 : len(buf)-1]
	md5data := hmacMD5(info.Key, authdata)

	body := buf[:len(buf)-8]
	padLen := udpPadLen(md5data)
	if padLen > len(body) {
		return nil
	}
	cipherPart := body[:len(body)-padLen]

	c, err := udpCipher(userKey, md5data, info.Key)
	if err != nil {
		return nil
	}
	plain := make([]byte, len(cipherPart))
	c.Decrypt(plain, cipherPart)
	return plain
}

// ServerUDPPreEncrypt builds one outbound server reply datagram.
func ServerUDPPreEncrypt(info *ServerInfo, userKey, plaintext []byte) ([]byte, error) {
	authdata := randBytes(7)
	md5data := hmacMD5(info.Key, authdata)

	c, err := udpCipher(userKey, md5data, info.Key)
	if err != nil {
		return nil, err
	}
	ciphertext := make([]byte, len(plaintext))
	c.Encrypt(ciphertext, plaintext)

	padLen := udpPadLen(md5data)
	pad := randBytes(padLen)

	body := make([]byte, 0, len(ciphertext)+padLen+7)
	body = append(body, ciphertext...)
	body = append(body, pad...)
	body = append(body, authdata...)

	tag := hmacMD5(userKey, body)
	return append(body, tag[0]), nil
}

// ServerUDPPostDecrypt consumes a client datagram, recovering uid from
// its trailing masked bytes before the caller can even know which
// user_key to verify the tag against.
func ServerUDPPostDecrypt(info *ServerInfo, buf []byte) (plaintext []byte, uid uint32, ok bool) {
	if len(buf) < 9 {
		return nil, 0, false
	}

	authdata := buf[len(buf)-8 : len(buf)-5]
	uidEnc := leUint32(buf[len(buf)-5 : len(buf)-1])
	md5data := hmacMD5(info.Key, authdata)
	uid = uidEnc ^ leUint32(md5data[0:4])

	userKey, found := info.Users[uid]
	if !found {
		if len(info.Users) == 0 {
			userKey = info.Key
		} else {
			return nil, 0, false
		}
	}

	tag := buf[len(buf)-1]
	signed := buf[:len(buf)-1]
	if hmacMD5(userKey, signed)[0] != tag {
		return nil, 0, false
	}

	body := buf[:len(buf)-8]
	padLen := udpPadLen(md5data)
	if padLen > len(body) {
		return nil, 0, false
	}
	cipherPart := body[:len(body)-padLen]

	c, err := udpCipher(userKey, md5data, info.Key)
	if err != nil {
		return nil, 0, false
	}
	plain := make([]byte, len(cipherPart))
	c.Decrypt(plain, cipherPart)
	return plain, uid, true
}
