package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"trustchain/go-backend/internal/envelope"
	"trustchain/go-backend/internal/identity"
	"trustchain/go-backend/internal/keys"
	"trustchain/go-backend/internal/platform/privacylog"
	"trustchain/go-backend/internal/requestauth"
	"trustchain/go-backend/internal/securestore"
	"trustchain/go-backend/internal/sigchain"
)

var logger = slog.New(privacylog.WrapHandler(slog.NewTextHandler(os.Stderr, nil)))

func main() {
	keygenCmd := flag.NewFlagSet("keygen", flag.ExitOnError)
	keygenDevices := keygenCmd.Int("devices", 1, "number of device keys to derive")

	encryptCmd := flag.NewFlagSet("backup-encrypt", flag.ExitOnError)
	encryptMnemonic := encryptCmd.String("mnemonic-file", "", "file holding the root mnemonic")
	encryptPassword := encryptCmd.String("password-file", "", "file holding the backup password (stdin when empty)")
	encryptKDF := encryptCmd.String("kdf", "argon2id", "argon2id | pbkdf2-sha256")
	encryptOut := encryptCmd.String("out", "root.backup", "output path")

	decryptCmd := flag.NewFlagSet("backup-decrypt", flag.ExitOnError)
	decryptIn := decryptCmd.String("in", "root.backup", "backup path")
	decryptPassword := decryptCmd.String("password-file", "", "file holding the backup password (stdin when empty)")

	signCmd := flag.NewFlagSet("sign", flag.ExitOnError)
	signMnemonic := signCmd.String("mnemonic-file", "", "file holding the root mnemonic")
	signType := signCmd.String("type", "", "payload type")
	signPayload := signCmd.String("payload", "-", "payload JSON file (- for stdin)")
	signAccount := signCmd.String("account", "", "signer account id")
	signDeviceID := signCmd.String("device-id", "", "sign as this device instead of the root")
	signDeviceIndex := signCmd.Int("device-index", 0, "derivation index of the device key")

	requestCmd := flag.NewFlagSet("sign-request", flag.ExitOnError)
	requestMnemonic := requestCmd.String("mnemonic-file", "", "file holding the root mnemonic")
	requestDeviceIndex := requestCmd.Int("device-index", 0, "derivation index of the device key")
	requestMethod := requestCmd.String("method", http.MethodGet, "HTTP method")
	requestPath := requestCmd.String("path", "/v1/me", "request path and query")
	requestBody := requestCmd.String("body", "", "request body file")
	requestNonce := requestCmd.String("nonce", "", "nonce (random when empty)")

	verifyCmd := flag.NewFlagSet("verify-chain", flag.ExitOnError)
	verifyIn := verifyCmd.String("in", "-", "chain JSON from GET /v1/accounts/{id}/chain (- for stdin)")

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "keygen":
		_ = keygenCmd.Parse(os.Args[2:])
		dieIf(cmdKeygen(*keygenDevices))
	case "backup-encrypt":
		_ = encryptCmd.Parse(os.Args[2:])
		dieIf(cmdBackupEncrypt(*encryptMnemonic, *encryptPassword, *encryptKDF, *encryptOut))
	case "backup-decrypt":
		_ = decryptCmd.Parse(os.Args[2:])
		dieIf(cmdBackupDecrypt(*decryptIn, *decryptPassword))
	case "sign":
		_ = signCmd.Parse(os.Args[2:])
		dieIf(cmdSign(*signMnemonic, *signType, *signPayload, *signAccount, *signDeviceID, *signDeviceIndex))
	case "sign-request":
		_ = requestCmd.Parse(os.Args[2:])
		dieIf(cmdSignRequest(*requestMnemonic, *requestDeviceIndex, *requestMethod, *requestPath, *requestBody, *requestNonce))
	case "verify-chain":
		_ = verifyCmd.Parse(os.Args[2:])
		dieIf(cmdVerifyChain(*verifyIn))
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Print(`trustchainctl commands:

  keygen          [-devices N]
  backup-encrypt  -mnemonic-file F [-password-file F] [-kdf argon2id|pbkdf2-sha256] [-out root.backup]
  backup-decrypt  [-in root.backup] [-password-file F]
  sign            -mnemonic-file F -type T -account ID [-payload file] [-device-id ID -device-index N]
  sign-request    -mnemonic-file F [-device-index N] [-method GET] [-path /v1/me] [-body file] [-nonce N]
  verify-chain    [-in file]
`)
}

func dieIf(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func readInput(path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func readSecretLine(path, prompt string) ([]byte, error) {
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return []byte(strings.TrimRight(string(raw), "\r\n")), nil
	}
	fmt.Fprint(os.Stderr, prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return []byte(strings.TrimRight(line, "\r\n")), nil
}

func loadRootSeed(path string) ([]byte, error) {
	if path == "" {
		return nil, keys.ErrMnemonicRequired
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return keys.RootSeedFromMnemonic(string(raw))
}

func deviceSigner(rootSeed []byte, index int) (keys.Signer, error) {
	seed, err := keys.DeriveDeviceSeed(rootSeed, index)
	if err != nil {
		return nil, err
	}
	return keys.NewDeviceSigner(seed)
}

func newWorker() *securestore.Worker {
	return securestore.NewWorker(1, func(kdf securestore.KDFID, op string, took time.Duration) {
		logger.Info("kdf job finished", "kdf", kdf.String(), "op", op, "took_ms", took.Milliseconds())
	})
}

type keyOut struct {
	Kid       keys.Kid `json:"kid"`
	PublicKey string   `json:"pubkey"`
}

func describe(s keys.Signer) (keyOut, error) {
	kid, err := keys.DeriveKID(s.PublicKey())
	if err != nil {
		return keyOut{}, err
	}
	return keyOut{Kid: kid, PublicKey: keys.EncodePublicKey(s.PublicKey())}, nil
}

func cmdKeygen(devices int) error {
	mnemonic, err := keys.NewRootMnemonic()
	if err != nil {
		return err
	}
	seed, err := keys.RootSeedFromMnemonic(mnemonic)
	if err != nil {
		return err
	}
	defer keys.Zero(seed)
	root, err := keys.NewSoftwareSigner(seed)
	if err != nil {
		return err
	}
	defer root.Destroy()
	rootOut, err := describe(root)
	if err != nil {
		return err
	}
	out := struct {
		Mnemonic string   `json:"mnemonic"`
		Root     keyOut   `json:"root"`
		Devices  []keyOut `json:"devices"`
	}{Mnemonic: mnemonic, Root: rootOut}
	for i := 0; i < devices; i++ {
		d, err := deviceSigner(seed, i)
		if err != nil {
			return err
		}
		desc, err := describe(d)
		if err != nil {
			return err
		}
		out.Devices = append(out.Devices, desc)
	}
	return printJSON(out)
}

func cmdBackupEncrypt(mnemonicPath, passwordPath, kdfName, outPath string) error {
	kdf, err := securestore.ParseKDF(kdfName)
	if err != nil {
		return err
	}
	seed, err := loadRootSeed(mnemonicPath)
	if err != nil {
		return err
	}
	defer keys.Zero(seed)
	password, err := readSecretLine(passwordPath, "backup password: ")
	if err != nil {
		return err
	}
	defer keys.Zero(password)

	w := newWorker()
	defer w.Close()
	blob, err := w.Encrypt(context.Background(), seed, password, kdf)
	if err != nil {
		return err
	}
	if err := securestore.WriteBackupFile(outPath, blob); err != nil {
		return err
	}
	logger.Info("backup written", "path", outPath, "kdf", kdf.String())
	return nil
}

func cmdBackupDecrypt(inPath, passwordPath string) error {
	blob, err := securestore.ReadBackupFile(inPath)
	if err != nil {
		return err
	}
	password, err := readSecretLine(passwordPath, "backup password: ")
	if err != nil {
		return err
	}
	defer keys.Zero(password)

	w := newWorker()
	defer w.Close()
	seed, err := w.Decrypt(context.Background(), blob, password)
	if err != nil {
		return err
	}
	defer keys.Zero(seed)
	root, err := keys.NewSoftwareSigner(seed)
	if err != nil {
		return err
	}
	defer root.Destroy()
	desc, err := describe(root)
	if err != nil {
		return err
	}
	return printJSON(struct {
		Root keyOut `json:"root"`
	}{Root: desc})
}

func cmdSign(mnemonicPath, payloadType, payloadPath, accountID, deviceID string, deviceIndex int) error {
	if payloadType == "" || accountID == "" {
		return errors.New("-type and -account are required")
	}
	raw, err := readInput(payloadPath)
	if err != nil {
		return err
	}
	var payload json.RawMessage
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("payload: %w", err)
	}
	seed, err := loadRootSeed(mnemonicPath)
	if err != nil {
		return err
	}
	defer keys.Zero(seed)

	var signer keys.Signer
	if deviceID != "" {
		signer, err = deviceSigner(seed, deviceIndex)
	} else {
		signer, err = keys.NewSoftwareSigner(seed)
	}
	if err != nil {
		return err
	}
	kid, err := keys.DeriveKID(signer.PublicKey())
	if err != nil {
		return err
	}
	ref := envelope.RootSigner(accountID, kid)
	if deviceID != "" {
		ref = envelope.DeviceSigner(accountID, deviceID, kid)
	}
	env, err := envelope.Build(payloadType, payload, ref, signer)
	if err != nil {
		return err
	}
	return printJSON(env)
}

func cmdSignRequest(mnemonicPath string, deviceIndex int, method, path, bodyPath, nonce string) error {
	seed, err := loadRootSeed(mnemonicPath)
	if err != nil {
		return err
	}
	defer keys.Zero(seed)
	signer, err := deviceSigner(seed, deviceIndex)
	if err != nil {
		return err
	}
	var body []byte
	if bodyPath != "" {
		if body, err = os.ReadFile(bodyPath); err != nil {
			return err
		}
	}
	if nonce == "" {
		nonce = fmt.Sprintf("n%d", time.Now().UnixNano())
	}
	req, err := http.NewRequest(method, path, nil)
	if err != nil {
		return err
	}
	if err := requestauth.Sign(req, body, signer, nonce, time.Now()); err != nil {
		return err
	}
	headers := map[string]string{}
	for _, h := range []string{requestauth.HeaderDeviceKid, requestauth.HeaderSignature, requestauth.HeaderTimestamp, requestauth.HeaderNonce} {
		headers[h] = req.Header.Get(h)
	}
	return printJSON(headers)
}

func cmdVerifyChain(inPath string) error {
	raw, err := readInput(inPath)
	if err != nil {
		return err
	}
	var doc struct {
		Entries []sigchain.Entry `json:"entries"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("chain: %w", err)
	}
	st, err := identity.Replay(doc.Entries)
	if err != nil {
		return err
	}
	return printJSON(struct {
		Account any `json:"account"`
		Devices any `json:"devices"`
	}{Account: st.View(), Devices: st.Devices()})
}
