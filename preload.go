package core

import (
	"bytes"
	"strconv"
	"strings"

	gohtml "golang.org/x/net/html"
)

// createScript wraps source in an async IIFE tagged with a sourceURL so the
// render process's devtools attribute it.
func createScript(name, source string) string {
	return ";(async () => {\n" + source + "})();\n//# sourceURL=" + name + "\n"
}

// getEmitToRenderProcessJavaScript builds the single-statement script that
// dispatches a named event with a URL-encoded value into the render
// process.
func getEmitToRenderProcessJavaScript(name, value string) string {
	return "globalThis.__runtimeEmit && globalThis.__runtimeEmit(`" + name + "`, `" + value + "`);\n"
}

// getResolveToRenderProcessJavaScript builds the single-statement script
// that resolves a pending IPC sequence in the render process.
func getResolveToRenderProcessJavaScript(seq, status, value string) string {
	return "globalThis.__runtimeResolve && globalThis.__runtimeResolve(`" + seq + "`, `" + status + "`, `" + value + "`);\n"
}

// getPreloadJavaScript builds the bootstrap injected into every served HTML
// document: it installs the render side of the IPC protocol — the queued
// response queue (RuntimeQueuedResponses) and the conduit coordinates in
// __args. It does not define __runtimeEmit or __runtimeResolve; the emit and
// resolve scripts call them only when they already exist.
func getPreloadJavaScript(config Config, conduitPort int, clientID uint64) string {
	var b strings.Builder
	b.WriteString("globalThis.__args = {\n")
	b.WriteString("  client: { id: `")
	b.WriteString(strconv.FormatUint(clientID, 10))
	b.WriteString("` },\n")
	b.WriteString("  conduit: { port: ")
	b.WriteString(strconv.Itoa(conduitPort))
	b.WriteString(" },\n")
	b.WriteString("  config: {\n")
	for _, key := range []string{
		ConfigMetaBundleIdentifier,
		ConfigMetaApplicationProtocol,
		ConfigMetaTitle,
		ConfigMetaVersion,
	} {
		if value := config.Get(key); value != "" {
			b.WriteString("    '" + key + "': `" + value + "`,\n")
		}
	}
	b.WriteString("  }\n")
	b.WriteString("};\n")
	b.WriteString(`
if (!globalThis.RuntimeQueuedResponses) {
  const listeners = [];
  globalThis.RuntimeQueuedResponses = {
    dispatch (id, seq, params, headers, options) {
      for (const listener of listeners) {
        listener(id, seq, params, headers, options);
      }
    },
    listen (listener) {
      listeners.push(listener);
    }
  };
}
`)
	return createScript("preload.js", b.String())
}

// injectHTMLPreload parses document and inserts preload as the first module
// script of <head> (or <html> when no head exists), re-serializing the
// document. On parse failure the document is returned untouched.
func injectHTMLPreload(document []byte, preload string) []byte {
	root, err := gohtml.Parse(bytes.NewReader(document))
	if err != nil {
		return document
	}

	target := findElement(root, "head")
	if target == nil {
		target = findElement(root, "html")
	}
	if target == nil {
		return document
	}

	script := &gohtml.Node{
		Type: gohtml.ElementNode,
		Data: "script",
		Attr: []gohtml.Attribute{{Key: "type", Val: "module"}},
	}
	script.AppendChild(&gohtml.Node{Type: gohtml.TextNode, Data: preload})
	if target.FirstChild != nil {
		target.InsertBefore(script, target.FirstChild)
	} else {
		target.AppendChild(script)
	}

	var out bytes.Buffer
	if err := gohtml.Render(&out, root); err != nil {
		return document
	}
	return out.Bytes()
}

func findElement(node *gohtml.Node, name string) *gohtml.Node {
	if node.Type == gohtml.ElementNode && node.Data == name {
		return node
	}
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		if found := findElement(child, name); found != nil {
			return found
		}
	}
	return nil
}
