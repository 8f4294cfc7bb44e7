package signature

import (
	"encoding/asn1"
	"fmt"

	"github.com/digitorus/pkcs7"
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// OIDSignatureTimeStampToken is id-aa-signatureTimeStampToken (RFC 3161 appendix A)
var OIDSignatureTimeStampToken = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 14}

var (
	tagExplicitContent = cbasn1.Tag(0).Constructed().ContextSpecific()
	tagUnsignedAttrs   = cbasn1.Tag(1).Constructed().ContextSpecific()
)

type element struct {
	tag  cbasn1.Tag
	der  cryptobyte.String
	body cryptobyte.String
}

// signedDataLayout is a ContentInfo/SignedData split into its DER elements
// so the first SignerInfo can be rewritten without re-encoding the rest.
type signedDataLayout struct {
	contentType  asn1.ObjectIdentifier
	signedData   []cryptobyte.String
	signer       []element
	otherSigners cryptobyte.String
}

func parseLayout(der []byte) (*signedDataLayout, error) {
	input := cryptobyte.String(der)
	l := &signedDataLayout{}

	var contentInfo, explicit, signedData cryptobyte.String
	if !input.ReadASN1(&contentInfo, cbasn1.SEQUENCE) || !input.Empty() {
		return nil, fmt.Errorf("content info: not a single DER sequence")
	}
	if !contentInfo.ReadASN1ObjectIdentifier(&l.contentType) ||
		!contentInfo.ReadASN1(&explicit, tagExplicitContent) ||
		!explicit.ReadASN1(&signedData, cbasn1.SEQUENCE) {
		return nil, fmt.Errorf("content info: unexpected structure")
	}
	if !l.contentType.Equal(pkcs7.OIDSignedData) {
		return nil, fmt.Errorf("content info: content type %s is not signed data", l.contentType)
	}

	elems, err := readElements(signedData)
	if err != nil {
		return nil, fmt.Errorf("signed data: %w", err)
	}
	if len(elems) < 4 {
		return nil, fmt.Errorf("signed data: too few elements")
	}

	infos := elems[len(elems)-1]
	if infos.tag != cbasn1.SET {
		return nil, fmt.Errorf("signed data: missing signer infos")
	}
	for _, el := range elems[:len(elems)-1] {
		l.signedData = append(l.signedData, el.der)
	}

	signerInfos := infos.body
	var first cryptobyte.String
	if !signerInfos.ReadASN1(&first, cbasn1.SEQUENCE) {
		return nil, fmt.Errorf("signer infos: no signer")
	}
	l.otherSigners = signerInfos

	l.signer, err = readElements(first)
	if err != nil {
		return nil, fmt.Errorf("signer info: %w", err)
	}
	if len(l.signer) < 5 {
		return nil, fmt.Errorf("signer info: too few elements")
	}

	return l, nil
}

// signatureValue returns the signer's signature octets
func (l *signedDataLayout) signatureValue() ([]byte, error) {
	for _, el := range l.signer {
		if el.tag == cbasn1.OCTET_STRING {
			return el.body, nil
		}
	}
	return nil, fmt.Errorf("signer info: no signature value")
}

// unsignedAttributes returns the [1] element of the signer, if any
func (l *signedDataLayout) unsignedAttributes() (element, bool) {
	last := l.signer[len(l.signer)-1]
	if last.tag == tagUnsignedAttrs {
		return last, true
	}
	return element{}, false
}

// attributeValue finds the first value of the unsigned attribute with the given type
func (l *signedDataLayout) attributeValue(oid asn1.ObjectIdentifier) ([]byte, bool, error) {
	unsigned, ok := l.unsignedAttributes()
	if !ok {
		return nil, false, nil
	}

	attrs := unsigned.body
	for !attrs.Empty() {
		var attr, values cryptobyte.String
		var attrType asn1.ObjectIdentifier
		if !attrs.ReadASN1(&attr, cbasn1.SEQUENCE) ||
			!attr.ReadASN1ObjectIdentifier(&attrType) ||
			!attr.ReadASN1(&values, cbasn1.SET) {
			return nil, false, fmt.Errorf("unsigned attribute: malformed")
		}
		if !attrType.Equal(oid) {
			continue
		}

		var value cryptobyte.String
		var tag cbasn1.Tag
		if !values.ReadAnyASN1Element(&value, &tag) {
			return nil, false, fmt.Errorf("unsigned attribute %s: empty value set", oid)
		}
		return value, true, nil
	}
	return nil, false, nil
}

// withUnsignedAttribute re-encodes the envelope with an attribute of the
// given type and DER value appended to the first signer's unsigned attributes.
func (l *signedDataLayout) withUnsignedAttribute(oid asn1.ObjectIdentifier, valueDER []byte) ([]byte, error) {
	signer := l.signer
	var existing cryptobyte.String
	if unsigned, ok := l.unsignedAttributes(); ok {
		existing = unsigned.body
		signer = signer[:len(signer)-1]
	}

	b := cryptobyte.NewBuilder(nil)
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1ObjectIdentifier(l.contentType)
		b.AddASN1(tagExplicitContent, func(b *cryptobyte.Builder) {
			b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
				for _, el := range l.signedData {
					b.AddBytes(el)
				}
				b.AddASN1(cbasn1.SET, func(b *cryptobyte.Builder) {
					b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
						for _, el := range signer {
							b.AddBytes(el.der)
						}
						b.AddASN1(tagUnsignedAttrs, func(b *cryptobyte.Builder) {
							b.AddBytes(existing)
							b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
								b.AddASN1ObjectIdentifier(oid)
								b.AddASN1(cbasn1.SET, func(b *cryptobyte.Builder) {
									b.AddBytes(valueDER)
								})
							})
						})
					})
					b.AddBytes(l.otherSigners)
				})
			})
		})
	})
	return b.Bytes()
}

// readElements splits concatenated DER values
func readElements(s cryptobyte.String) ([]element, error) {
	var out []element
	for !s.Empty() {
		var el element
		if !s.ReadAnyASN1Element(&el.der, &el.tag) {
			return nil, fmt.Errorf("malformed DER element")
		}
		full := el.der
		var tag cbasn1.Tag
		if !full.ReadAnyASN1(&el.body, &tag) {
			return nil, fmt.Errorf("malformed DER element")
		}
		out = append(out, el)
	}
	return out, nil
}
