package packet

// AssociatedData builds the AEAD associated data bound to an Encrypted
// envelope's header: targetID (big-endian) concatenated with the epoch
// byte. This ties a ciphertext to a specific target/epoch pair so it
// cannot be replayed under a different one.
func AssociatedData(targetID uint32, epoch EncryptionEpoch) []byte {
	return []byte{
		byte(targetID >> 24), byte(targetID >> 16), byte(targetID >> 8), byte(targetID),
		uint8(epoch),
	}
}
