// Copyright 2017 Volker Dobler.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sandbox

// prelude sets up the script environment from the JSON document in
// __input and the native helpers bound by bindNatives. Everything here is
// plain ES5 as understood by otto.
const prelude = `
var __in = JSON.parse(__input);

var __freeze = function(o) {
	if (o !== null && typeof o === "object") {
		Object.keys(o).forEach(function(k) { __freeze(o[k]); });
		Object.freeze(o);
	}
	return o;
};

var vars = __in.vars || {};
var global = __freeze(__in.global || {});
var records = __freeze(__in.records || {});
var requestBody = __in.requestBody;
var requestHeader = __in.requestHeader || {};
var query = __in.query || {};
var pathname = __in.pathname || "";
var responseData = __in.responseData;
var responseHeader = __in.responseHeader;
var responseStatus = __in.responseStatus;
var sql = [];
var sqlAssert = __in.sqlAssert || [];

var __show = function(v) {
	if (v === undefined) { return "undefined"; }
	if (typeof v === "function") { return "function"; }
	try {
		var s = JSON.stringify(v);
		return s === undefined ? String(v) : s;
	} catch (e) {
		return String(v);
	}
};

var __deepEqual = function(a, b) {
	if (a === b) { return true; }
	if (a === null || b === null || typeof a !== "object" || typeof b !== "object") {
		return false;
	}
	if (Array.isArray(a) !== Array.isArray(b)) { return false; }
	var ka = Object.keys(a), kb = Object.keys(b);
	if (ka.length !== kb.length) { return false; }
	for (var i = 0; i < ka.length; i++) {
		if (!Object.prototype.hasOwnProperty.call(b, ka[i])) { return false; }
		if (!__deepEqual(a[ka[i]], b[ka[i]])) { return false; }
	}
	return true;
};

var __contains = function(list, value) {
	if (typeof list === "string") { return list.indexOf(String(value)) >= 0; }
	if (list === null || typeof list !== "object") { return false; }
	if (!Array.isArray(list)) { return Object.prototype.hasOwnProperty.call(list, value); }
	for (var i = 0; i < list.length; i++) {
		if (__deepEqual(list[i], value)) { return true; }
	}
	return false;
};

var __subset = function(sub, sup) {
	if (Array.isArray(sub)) {
		if (!Array.isArray(sup)) { return false; }
		for (var i = 0; i < sub.length; i++) {
			if (!__contains(sup, sub[i])) { return false; }
		}
		return true;
	}
	if (sub !== null && typeof sub === "object") {
		if (sup === null || typeof sup !== "object") { return false; }
		var keys = Object.keys(sub);
		for (var j = 0; j < keys.length; j++) {
			if (!Object.prototype.hasOwnProperty.call(sup, keys[j])) { return false; }
			if (!__subset(sub[keys[j]], sup[keys[j]])) { return false; }
		}
		return true;
	}
	return __deepEqual(sub, sup);
};

var __fail = function(message, detail) {
	if (message !== undefined && message !== null && message !== "") {
		throw new Error(String(message) + ": " + detail);
	}
	throw new Error(detail);
};

var __check = function(problem, message) {
	if (problem !== "") { __fail(message, problem); }
};

var assert = function(value, message) {
	if (!value) { __fail(message, "expected " + __show(value) + " to be truthy"); }
};
assert.ok = assert;
assert.equal = function(actual, expected, message) {
	if (!(actual == expected)) {
		__fail(message, "expected " + __show(actual) + " to equal " + __show(expected));
	}
};
assert.notEqual = function(actual, expected, message) {
	if (actual == expected) {
		__fail(message, "expected " + __show(actual) + " to not equal " + __show(expected));
	}
};
assert.strictEqual = function(actual, expected, message) {
	if (actual !== expected) {
		__fail(message, "expected " + __show(actual) + " to strictly equal " + __show(expected));
	}
};
assert.notStrictEqual = function(actual, expected, message) {
	if (actual === expected) {
		__fail(message, "expected " + __show(actual) + " to not strictly equal " + __show(expected));
	}
};
assert.deepEqual = function(actual, expected, message) {
	if (!__deepEqual(actual, expected)) {
		__fail(message, "expected " + __show(actual) + " to deeply equal " + __show(expected));
	}
};
assert.notDeepEqual = function(actual, expected, message) {
	if (__deepEqual(actual, expected)) {
		__fail(message, "expected " + __show(actual) + " to not deeply equal " + __show(expected));
	}
};
assert["in"] = function(value, list, message) {
	if (!__contains(list, value)) {
		__fail(message, "expected " + __show(value) + " to be in " + __show(list));
	}
};
assert.not_in = function(value, list, message) {
	if (__contains(list, value)) {
		__fail(message, "expected " + __show(value) + " to not be in " + __show(list));
	}
};
assert.exists = function(value, message) {
	if (value === undefined || value === null) {
		__fail(message, "expected value to exist, got " + __show(value));
	}
};
assert.not_exists = function(value, message) {
	if (value !== undefined && value !== null) {
		__fail(message, "expected value to not exist, got " + __show(value));
	}
};
assert.subset = function(sub, sup, message) {
	if (!__subset(sub, sup)) {
		__fail(message, "expected " + __show(sub) + " to be a subset of " + __show(sup));
	}
};
assert.match = function(value, pattern, message) {
	var re = pattern instanceof RegExp ? pattern : new RegExp(String(pattern));
	if (!re.test(String(value))) {
		__fail(message, "expected " + __show(value) + " to match " + String(re));
	}
};
assert.xmlEquals = function(xml, xpath, expected, message) {
	__check(__xmlEquals(String(xml), String(xpath), String(expected)), message);
};
assert.xmlExists = function(xml, xpath, message) {
	__check(__xmlExists(String(xml), String(xpath)), message);
};
assert.htmlExists = function(html, selector, message) {
	__check(__htmlExists(String(html), String(selector)), message);
};
assert.jsonSchema = function(value, schema, message) {
	if (typeof value === "string") { value = JSON.parse(value); }
	if (typeof schema !== "string") { schema = JSON.stringify(schema); }
	__check(__jsonSchema(JSON.stringify(value), schema), message);
};

var console = {
	log: function() { __log("", Array.prototype.slice.call(arguments)); },
	info: function() { __log("INFO ", Array.prototype.slice.call(arguments)); },
	warn: function() { __log("WARN ", Array.prototype.slice.call(arguments)); },
	error: function() { __log("ERROR ", Array.prototype.slice.call(arguments)); }
};

var storage = {
	getItem: function(key) { return __storageGet(String(key)); },
	setItem: function(key, value) { __storageSet(String(key), String(value)); },
	removeItem: function(key) { __storageRemove(String(key)); },
	clear: function() { __storageClear(); }
};

var utils = {
	md5: function(s) { return __digest("md5", String(s)); },
	sha1: function(s) { return __digest("sha1", String(s)); },
	sha256: function(s) { return __digest("sha256", String(s)); },
	sha512: function(s) { return __digest("sha512", String(s)); },
	hmacSha256: function(key, msg) { return __hmacSha256(String(key), String(msg)); },
	base64Encode: function(s) { return __base64Encode(String(s)); },
	base64Decode: function(s) { return __base64Decode(String(s)); },
	urlEncode: function(s) { return __urlEncode(String(s)); },
	urlDecode: function(s) { return __urlDecode(String(s)); },
	uuid: function() { return __uuid(); },
	timestamp: function() { return __timestamp(); },
	jwtSign: function(claims, secret) { return __jwtSign(JSON.stringify(claims || {}), String(secret)); },
	jwtDecode: function(token, secret) {
		return JSON.parse(__jwtDecode(String(token), secret === undefined ? "" : String(secret)));
	},
	htmlText: function(html, selector) { return __htmlText(String(html), String(selector)); },
	http: function(req) {
		var r = JSON.parse(__http(JSON.stringify(req || {})));
		try { r.json = JSON.parse(r.body); } catch (e) { }
		return r;
	}
};

var __export = function() {
	return JSON.stringify({
		vars: vars,
		requestBody: requestBody,
		requestHeader: requestHeader,
		query: query,
		pathname: pathname,
		responseData: responseData,
		responseHeader: responseHeader,
		responseStatus: responseStatus,
		sql: sql,
		sqlAssert: sqlAssert
	});
};
`
