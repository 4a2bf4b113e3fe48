// Command signalctl is a minimal end-to-end demonstration of the
// session bootstrap and message exchange: it generates identities for
// two local parties, publishes one side's prekey bundle, and round-
// trips an encrypted message through it, logging each step. It is not
// a client; it exists to exercise the library the way an integration
// test would, but as a runnable program a reader can step through.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/duskline/signalcore/keys"
	"github.com/duskline/signalcore/memstore"
	"github.com/duskline/signalcore/protocol"
	"github.com/duskline/signalcore/queue"
)

func main() {
	logger := logrus.New()

	envFile := flag.String("env", "", "optional .env file to load before startup")
	flag.Parse()

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			logger.WithError(err).Fatal("failed to load env file")
		}
	}
	if lvl := os.Getenv("SIGNALCTL_LOG_LEVEL"); lvl != "" {
		parsed, err := logrus.ParseLevel(lvl)
		if err != nil {
			logger.WithError(err).Warn("ignoring invalid SIGNALCTL_LOG_LEVEL")
		} else {
			logger.SetLevel(parsed)
		}
	}

	if err := run(logger); err != nil {
		logger.WithError(err).Fatal("demo run failed")
	}
}

func run(logger *logrus.Logger) error {
	ctx := context.Background()

	aliceID := uuid.NewString()
	bobID := uuid.NewString()
	logger.WithFields(logrus.Fields{"alice": aliceID, "bob": bobID}).Info("generated party identifiers")

	aliceIdentity, err := keys.GenerateIdentityKeyPair()
	if err != nil {
		return fmt.Errorf("generate alice identity: %w", err)
	}
	bobIdentity, err := keys.GenerateIdentityKeyPair()
	if err != nil {
		return fmt.Errorf("generate bob identity: %w", err)
	}

	aliceRegID, err := keys.GenerateRegistrationID()
	if err != nil {
		return fmt.Errorf("generate alice registration id: %w", err)
	}
	bobRegID, err := keys.GenerateRegistrationID()
	if err != nil {
		return fmt.Errorf("generate bob registration id: %w", err)
	}

	bobSignedPreKey, err := keys.GenerateSignedPreKey(bobIdentity, 1, 0)
	if err != nil {
		return fmt.Errorf("generate bob signed prekey: %w", err)
	}
	bobPreKey, err := keys.GeneratePreKey(1)
	if err != nil {
		return fmt.Errorf("generate bob one-time prekey: %w", err)
	}

	aliceStore := memstore.New(aliceIdentity, aliceRegID)
	bobStore := memstore.New(bobIdentity, bobRegID)
	bobStore.AddSignedPreKey(bobSignedPreKey)
	bobStore.AddPreKey(bobPreKey)

	aliceAddr := protocol.NewAddress(bobID, 1) // alice's view of bob
	bobAddr := protocol.NewAddress(aliceID, 1) // bob's view of alice

	bundle := keys.PreKeyBundle{
		RegistrationID:        bobRegID,
		IdentityKey:           bobIdentity.Public,
		SignedPreKeyID:        bobSignedPreKey.KeyID,
		SignedPreKeyPublic:    bobSignedPreKey.Keypair.Public,
		SignedPreKeySignature: bobSignedPreKey.Signature,
		HasPreKey:             true,
		PreKeyID:              bobPreKey.KeyID,
		PreKeyPublic:          bobPreKey.Keypair.Public,
	}

	metrics := protocol.NewMetrics(nil)

	// Each party runs its own job queue: every encrypt/decrypt/bootstrap
	// call against one of that party's remote addresses is serialized
	// through its address bucket, per-party, not globally.
	aliceQueue := queue.New()
	bobQueue := queue.New()

	aliceBuilder := protocol.NewSessionBuilder(aliceStore, aliceAddr, aliceQueue, logger)
	if err := aliceBuilder.InitOutgoing(ctx, bundle); err != nil {
		return fmt.Errorf("alice bootstrap: %w", err)
	}
	logger.Info("alice session established from bob's prekey bundle")

	aliceCipher := protocol.NewSessionCipher(aliceStore, aliceAddr, aliceQueue, metrics, logger)
	bobCipher := protocol.NewSessionCipher(bobStore, bobAddr, bobQueue, metrics, logger)

	plaintext := []byte("the only thing a ratchet can't unwind is time")
	encrypted, err := aliceCipher.Encrypt(ctx, plaintext)
	if err != nil {
		return fmt.Errorf("alice encrypt: %w", err)
	}
	logger.WithField("type", encrypted.Type).Info("alice encrypted first message")

	var decrypted []byte
	switch encrypted.Type {
	case protocol.PreKeyType:
		decrypted, err = bobCipher.DecryptPreKeyWhisperMessage(ctx, encrypted.Body)
	case protocol.WhisperType:
		decrypted, err = bobCipher.DecryptWhisperMessage(ctx, encrypted.Body)
	}
	if err != nil {
		return fmt.Errorf("bob decrypt: %w", err)
	}
	logger.WithField("plaintext", string(decrypted)).Info("bob decrypted first message")

	reply := []byte("heard, sending mine back through a fresh ratchet")
	replyEncrypted, err := bobCipher.Encrypt(ctx, reply)
	if err != nil {
		return fmt.Errorf("bob encrypt reply: %w", err)
	}

	var replyDecrypted []byte
	switch replyEncrypted.Type {
	case protocol.PreKeyType:
		replyDecrypted, err = aliceCipher.DecryptPreKeyWhisperMessage(ctx, replyEncrypted.Body)
	case protocol.WhisperType:
		replyDecrypted, err = aliceCipher.DecryptWhisperMessage(ctx, replyEncrypted.Body)
	}
	if err != nil {
		return fmt.Errorf("alice decrypt reply: %w", err)
	}
	logger.WithField("plaintext", string(replyDecrypted)).Info("alice decrypted bob's reply")

	fmt.Println("round trip complete")
	return nil
}
