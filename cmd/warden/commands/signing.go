package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"warden/internal/plugin"
	"warden/internal/signature"
)

func newVerifyCommand() *cobra.Command {
	var (
		sigPath  string
		trust    string
		roots    []string
		revoked  string
		jsonMode bool
	)
	cmd := &cobra.Command{
		Use:   "verify <package>",
		Args:  cobra.ExactArgs(1),
		Short: "Check a package against its detached signature",
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := signature.ParseTrustLevel(trust)
			if err != nil {
				return err
			}
			v := signature.NewVerifier()
			if err := v.LoadTrustedRoots(roots); err != nil {
				return err
			}
			if revoked != "" {
				if err := v.ReloadRevocations(revoked); err != nil {
					return err
				}
			}
			if sigPath == "" {
				sigPath = args[0] + ".sig"
			}
			res, err := v.VerifyFile(args[0], sigPath, level)
			if err != nil {
				return err
			}
			if jsonMode {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(res); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s", res.Verdict)
				if res.Reason != "" {
					fmt.Fprintf(cmd.OutOrStdout(), ": %s", res.Reason)
				}
				fmt.Fprintln(cmd.OutOrStdout())
			}
			if !res.OK() {
				return fmt.Errorf("package not accepted: %s", res.Verdict)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sigPath, "sig", "", "signature bundle (default <package>.sig)")
	cmd.Flags().StringVar(&trust, "trust", "basic", "trust level: none | basic | full")
	cmd.Flags().StringSliceVar(&roots, "root", nil, "trusted root certificate PEM (repeatable)")
	cmd.Flags().StringVar(&revoked, "revoked", "", "revocation list file")
	cmd.Flags().BoolVar(&jsonMode, "json", false, "print the full result as JSON")
	return cmd
}

func newSignCommand() *cobra.Command {
	var keyPath, certPath, hash, out string
	cmd := &cobra.Command{
		Use:   "sign <package>",
		Args:  cobra.ExactArgs(1),
		Short: "Write a detached signature bundle for a package",
		RunE: func(cmd *cobra.Command, args []string) error {
			keyPEM, err := os.ReadFile(keyPath)
			if err != nil {
				return err
			}
			key, err := signature.ParsePrivateKeyPEM(keyPEM)
			if err != nil {
				return err
			}
			certPEM, err := os.ReadFile(certPath)
			if err != nil {
				return err
			}
			cert, err := signature.ParseCertificatePEM(certPEM)
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			info, err := signature.SignReader(f, key, cert, signature.HashAlgorithm(hash))
			if err != nil {
				return err
			}
			if out == "" {
				out = args[0] + ".sig"
			}
			if err := signature.WriteBundle(out, info); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (signer %s)\n", out, info.Thumbprint)
			return nil
		},
	}
	cmd.Flags().StringVar(&keyPath, "key", "", "signer private key PEM")
	cmd.Flags().StringVar(&certPath, "cert", "", "signer certificate PEM")
	cmd.Flags().StringVar(&hash, "hash", string(signature.SHA256), "content digest: sha256 | blake2b-256")
	cmd.Flags().StringVarP(&out, "out", "o", "", "bundle path (default <package>.sig)")
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("cert")
	return cmd
}

func newKeygenCommand() *cobra.Command {
	var (
		cn, out, caCert, caKey string
		days                   int
		isCA, useECDSA         bool
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Args:  cobra.NoArgs,
		Short: "Create a signing key and certificate",
		Long: `Create a signing key and certificate as <out>.key and <out>.crt.
Without --ca-cert the certificate is self-signed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := signature.CertOptions{
				CommonName: cn,
				NotBefore:  time.Now().Add(-time.Minute),
				NotAfter:   time.Now().AddDate(0, 0, days),
				IsCA:       isCA,
				ECDSA:      useECDSA,
			}
			if (caCert == "") != (caKey == "") {
				return errors.New("--ca-cert and --ca-key go together")
			}
			if caCert != "" {
				issuer, err := loadKeyPair(caKey, caCert)
				if err != nil {
					return err
				}
				opts.Issuer = issuer
			}
			kp, err := signature.GenerateKeyPair(opts)
			if err != nil {
				return err
			}
			keyPEM, err := signature.EncodePrivateKeyPEM(kp.Key)
			if err != nil {
				return err
			}
			if err := os.WriteFile(out+".key", keyPEM, 0o600); err != nil {
				return err
			}
			if err := os.WriteFile(out+".crt", signature.EncodeCertificatePEM(kp.Cert), 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s.key and %s.crt (thumbprint %s)\n", out, out, signature.Thumbprint(kp.Cert.Raw))
			return nil
		},
	}
	cmd.Flags().StringVar(&cn, "cn", "warden publisher", "certificate common name")
	cmd.Flags().StringVarP(&out, "out", "o", "signer", "output path prefix")
	cmd.Flags().IntVar(&days, "days", 365, "validity in days")
	cmd.Flags().BoolVar(&isCA, "ca", false, "create a certificate that can issue others")
	cmd.Flags().BoolVar(&useECDSA, "ecdsa", false, "use ECDSA P-256 instead of ed25519")
	cmd.Flags().StringVar(&caCert, "ca-cert", "", "issuer certificate PEM")
	cmd.Flags().StringVar(&caKey, "ca-key", "", "issuer private key PEM")
	return cmd
}

func loadKeyPair(keyPath, certPath string) (*signature.KeyPair, error) {
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}
	key, err := signature.ParsePrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, err
	}
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, err
	}
	cert, err := signature.ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, err
	}
	return &signature.KeyPair{Key: key, Cert: cert}, nil
}

func newPackCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pack <dir> <out.zip|out.tar.lz4>",
		Args:  cobra.ExactArgs(2),
		Short: "Build a package from a plugin directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filepath.Join(args[0], plugin.ManifestFile))
			if err != nil {
				return err
			}
			m, err := plugin.ParseManifest(data)
			if err != nil {
				return err
			}
			if err := plugin.Pack(args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "packed %s %s into %s\n", m.Name, m.Version, args[1])
			return nil
		},
	}
}

func newSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Args:  cobra.NoArgs,
		Short: "Print the manifest JSON schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := plugin.ManifestSchema()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
			return err
		},
	}
}
