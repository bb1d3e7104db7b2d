// Copyright 2017 Volker Dobler.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package request

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"mime"
	"mime/multipart"
	"net/textproto"
	"net/url"
	"path"
	"strings"
)

// LoadFile reads the file parameter value s which is one of
//     @file:/path/to/thefile
//     @file:@name-of-file:direct-data
//     /path/to/thefile
func LoadFile(s string) (*FileEntry, error) {
	if s == "" {
		return nil, fmt.Errorf("missing file")
	}
	file := strings.TrimPrefix(s, "@file:")
	if file == "" {
		return nil, fmt.Errorf("missing filename in @file: parameter")
	}

	var name string
	var data []byte
	if j := strings.Index(file, ":"); j != -1 && file[0] == '@' {
		name, data = file[1:j], []byte(file[j+1:])
	} else {
		raw, err := ioutil.ReadFile(file)
		if err != nil {
			return nil, err
		}
		name, data = path.Base(file), raw
	}
	return &FileEntry{
		Name: name,
		Size: int64(len(data)),
		Type: contentTypeOf(name),
		Data: base64.StdEncoding.EncodeToString(data),
	}, nil
}

func contentTypeOf(name string) string {
	if i := strings.LastIndex(name, "."); i != -1 {
		if ct := mime.TypeByExtension(name[i:]); ct != "" {
			return ct
		}
	}
	return "application/octet-stream"
}

// Encode renders the wire body of d. The returned content type is the
// one implied by the body; it is empty if the body implies none. An
// explicit Content-Type header takes precedence except for multipart
// bodies which need their boundary.
func (d *Descriptor) Encode() ([]byte, string, error) {
	if d.WS || d.Data == nil {
		return nil, "", nil
	}
	switch d.BodyType {
	case BodyForm:
		form, ok := d.Data.([]FormEntry)
		if !ok {
			return nil, "", fmt.Errorf("request: form body of unexpected type %T", d.Data)
		}
		multi := strings.HasPrefix(strings.ToLower(d.Header["Content-Type"]), "multipart/")
		for _, e := range form {
			if e.File != nil {
				multi = true
			}
		}
		if multi {
			return multipartBody(form)
		}
		values := url.Values{}
		for _, e := range form {
			values.Add(e.Name, e.Value)
		}
		return []byte(values.Encode()), "application/x-www-form-urlencoded", nil
	case BodyJSON:
		if s, ok := d.Data.(string); ok {
			return []byte(s), "application/json", nil
		}
		buf, err := json.Marshal(d.Data)
		if err != nil {
			return nil, "", fmt.Errorf("request: cannot encode json body: %s", err)
		}
		return buf, "application/json", nil
	case BodyXML:
		return []byte(fmt.Sprint(d.Data)), "application/xml", nil
	case BodyText:
		return []byte(fmt.Sprint(d.Data)), "text/plain; charset=utf-8", nil
	}
	return []byte(fmt.Sprint(d.Data)), "", nil
}

// multipartBody writes text fields first and files last.
func multipartBody(form []FormEntry) ([]byte, string, error) {
	body := &bytes.Buffer{}
	mpwriter := multipart.NewWriter(body)
	for _, e := range form {
		if e.File != nil {
			continue
		}
		if err := mpwriter.WriteField(e.Name, e.Value); err != nil {
			return nil, "", err
		}
	}
	for _, e := range form {
		if e.File == nil {
			continue
		}
		if err := addFilePart(mpwriter, e.Name, e.File); err != nil {
			return nil, "", err
		}
	}
	if err := mpwriter.Close(); err != nil {
		return nil, "", err
	}
	return body.Bytes(), mpwriter.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func addFilePart(mpwriter *multipart.Writer, name string, file *FileEntry) error {
	data, err := base64.StdEncoding.DecodeString(file.Data)
	if err != nil {
		return fmt.Errorf("request: file %s: %s", file.Name, err)
	}
	// CreateFormFile would fix the content type to application/octet-stream.
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
			quoteEscaper.Replace(name), quoteEscaper.Replace(file.Name)))
	ct := file.Type
	if ct == "" {
		ct = "application/octet-stream"
	}
	h.Set("Content-Type", ct)
	fw, err := mpwriter.CreatePart(h)
	if err != nil {
		return fmt.Errorf("request: unable to create part for %q: %s", name, err)
	}
	_, err = fw.Write(data)
	return err
}
