package infra

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/lolepezy/rpki-core/internal/domain"
)

var oidSubjectInfoAccess = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 11}

// Decrypter は暗号化された秘密鍵を復号する。
type Decrypter interface {
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// CertificateSigner は鍵ペアの秘密鍵で証明書に署名し、DERエンコードする。
type CertificateSigner struct {
	decrypter Decrypter
}

// NewCertificateSigner はCertificateSignerを生成する。
func NewCertificateSigner(decrypter Decrypter) *CertificateSigner {
	return &CertificateSigner{decrypter: decrypter}
}

type accessDescription struct {
	Method   asn1.ObjectIdentifier
	Location asn1.RawValue
}

// EncodeCertificate は signingKey で cert に署名する。
// 署名鍵が受領証明書を持たない場合は自己署名とする。
func (s *CertificateSigner) EncodeCertificate(ctx context.Context, signingKey *domain.KeyPair, cert domain.ResourceCertificate) ([]byte, error) {
	pkcs8, err := s.decrypter.Decrypt(ctx, signingKey.EncryptedPrivateKey())
	if err != nil {
		return nil, fmt.Errorf("decrypting signing key %d: %w", signingKey.ID(), err)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(pkcs8)
	if err != nil {
		return nil, fmt.Errorf("parsing signing key %d: %w", signingKey.ID(), err)
	}
	signer, ok := parsed.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("signing key %d is not a signer", signingKey.ID())
	}

	subjectKey, err := x509.ParsePKIXPublicKey(cert.SubjectPublicKey)
	if err != nil {
		return nil, fmt.Errorf("parsing subject public key: %w", err)
	}

	template, err := certificateTemplate(cert)
	if err != nil {
		return nil, err
	}

	parent := template
	if incoming, ok := signingKey.FindCurrentIncomingCertificate(); ok && len(incoming.Encoded) > 0 {
		parent, err = x509.ParseCertificate(incoming.Encoded)
		if err != nil {
			return nil, fmt.Errorf("parsing signing certificate: %w", err)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, parent, subjectKey, signer)
	if err != nil {
		return nil, fmt.Errorf("creating certificate: %w", err)
	}
	return der, nil
}

func certificateTemplate(cert domain.ResourceCertificate) (*x509.Certificate, error) {
	serial, ok := new(big.Int).SetString(cert.Serial, 10)
	if !ok {
		return nil, fmt.Errorf("invalid serial number %q", cert.Serial)
	}
	sia, err := encodeSubjectInfoAccess(cert.SIA)
	if err != nil {
		return nil, err
	}
	ski := sha1.Sum(cert.SubjectPublicKey)

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cert.SubjectKeyIdentifier()},
		NotBefore:             cert.Validity.NotBefore,
		NotAfter:              cert.Validity.NotAfter,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SubjectKeyId:          ski[:],
		ExtraExtensions: []pkix.Extension{
			{Id: oidSubjectInfoAccess, Value: sia},
		},
	}
	if cert.ParentCertificateURI != "" {
		template.IssuingCertificateURL = []string{cert.ParentCertificateURI}
	}
	return template, nil
}

func encodeSubjectInfoAccess(descriptors []domain.AccessDescriptor) ([]byte, error) {
	ads := make([]accessDescription, 0, len(descriptors))
	for _, d := range descriptors {
		oid, err := parseOID(string(d.Method))
		if err != nil {
			return nil, err
		}
		ads = append(ads, accessDescription{
			Method: oid,
			// GeneralName uniformResourceIdentifier [6] IA5String
			Location: asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 6, Bytes: []byte(d.Location)},
		})
	}
	value, err := asn1.Marshal(ads)
	if err != nil {
		return nil, fmt.Errorf("encoding subject information access: %w", err)
	}
	return value, nil
}

func parseOID(s string) (asn1.ObjectIdentifier, error) {
	parts := strings.Split(s, ".")
	oid := make(asn1.ObjectIdentifier, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid access method %q: %w", s, err)
		}
		oid[i] = n
	}
	return oid, nil
}

// DecodeSubjectInfoAccess は証明書のSIA拡張を読み出す。
func DecodeSubjectInfoAccess(cert *x509.Certificate) ([]domain.AccessDescriptor, error) {
	for _, ext := range cert.Extensions {
		if !ext.Id.Equal(oidSubjectInfoAccess) {
			continue
		}
		var ads []accessDescription
		if _, err := asn1.Unmarshal(ext.Value, &ads); err != nil {
			return nil, fmt.Errorf("decoding subject information access: %w", err)
		}
		out := make([]domain.AccessDescriptor, 0, len(ads))
		for _, ad := range ads {
			out = append(out, domain.AccessDescriptor{
				Method:   domain.AccessMethod(ad.Method.String()),
				Location: string(ad.Location.Bytes),
			})
		}
		return out, nil
	}
	return nil, nil
}
