package eas

import "tern.email/wbxml"

// Code pages. Ping rides page 14 and Provision page 13; everything
// else follows the usual ActiveSync numbering.
const (
	PageAirSync         = 0x00
	PageContacts        = 0x01
	PageEmail           = 0x02
	PageCalendar        = 0x04
	PageMove            = 0x05
	PageItemEstimate    = 0x06
	PageFolderHierarchy = 0x07
	PageTasks           = 0x09
	PageProvision       = 0x0D
	PagePing            = 0x0E
	PageSearch          = 0x0F
	PageAirSyncBase     = 0x11
	PageSettings        = 0x12
	PageItemOperations  = 0x14
	PageComposeMail     = 0x15
)

// AirSync (page 0).
const (
	ASSync              = 0x05
	ASResponses         = 0x06
	ASAdd               = 0x07
	ASChange            = 0x08
	ASDelete            = 0x09
	ASFetch             = 0x0A
	ASSyncKey           = 0x0B
	ASClientId          = 0x0C
	ASServerId          = 0x0D
	ASStatus            = 0x0E
	ASCollection        = 0x0F
	ASClass             = 0x10
	ASCollectionId      = 0x12
	ASGetChanges        = 0x13
	ASMoreAvailable     = 0x14
	ASWindowSize        = 0x15
	ASCommands          = 0x16
	ASOptions           = 0x17
	ASFilterType        = 0x18
	ASConflict          = 0x1B
	ASCollections       = 0x1C
	ASApplicationData   = 0x1D
	ASDeletesAsMoves    = 0x1E
	ASSupported         = 0x20
	ASSoftDelete        = 0x21
	ASMIMESupport       = 0x22
	ASMIMETruncation    = 0x23
	ASWait              = 0x24
	ASLimit             = 0x25
	ASPartial           = 0x26
	ASConversationMode  = 0x27
	ASMaxItems          = 0x28
	ASHeartbeatInterval = 0x29
)

// Email (page 2).
const (
	EmDateReceived = 0x0F
	EmDisplayTo    = 0x11
	EmImportance   = 0x12
	EmMessageClass = 0x13
	EmSubject      = 0x14
	EmRead         = 0x15
	EmTo           = 0x16
	EmCc           = 0x17
	EmFrom         = 0x18
	EmReplyTo      = 0x19
	EmThreadTopic  = 0x35
	EmInternetCPID = 0x39
	EmFlag         = 0x3A
	EmFlagStatus   = 0x3B
	EmContentClass = 0x3C
)

// Move (page 5).
const (
	MvMoveItems = 0x05
	MvMove      = 0x06
	MvSrcMsgId  = 0x07
	MvSrcFldId  = 0x08
	MvDstFldId  = 0x09
	MvResponse  = 0x0A
	MvStatus    = 0x0B
	MvDstMsgId  = 0x0C
)

// GetItemEstimate (page 6).
const (
	IEGetItemEstimate = 0x05
	IECollections     = 0x07
	IECollection      = 0x08
	IEClass           = 0x09
	IECollectionId    = 0x0A
	IEEstimate        = 0x0C
	IEResponse        = 0x0D
	IEStatus          = 0x0E
)

// FolderHierarchy (page 7).
const (
	FHDisplayName = 0x07
	FHServerId    = 0x08
	FHParentId    = 0x09
	FHType        = 0x0A
	FHStatus      = 0x0C
	FHChanges     = 0x0E
	FHAdd         = 0x0F
	FHDelete      = 0x10
	FHUpdate      = 0x11
	FHSyncKey     = 0x12
	FHFolderSync  = 0x16
	FHCount       = 0x17
)

// Provision (page 13).
const (
	ProvProvision                    = 0x05
	ProvPolicies                     = 0x06
	ProvPolicy                       = 0x07
	ProvPolicyType                   = 0x08
	ProvPolicyKey                    = 0x09
	ProvData                         = 0x0A
	ProvStatus                       = 0x0B
	ProvRemoteWipe                   = 0x0C
	ProvEASProvisionDoc              = 0x0D
	ProvDevicePasswordEnabled        = 0x0E
	ProvAlphanumericPasswordRequired = 0x0F
	ProvPasswordRecoveryEnabled      = 0x10
	ProvAttachmentsEnabled           = 0x13
	ProvMinDevicePasswordLength      = 0x14
	ProvMaxInactivityTimeDeviceLock  = 0x15
	ProvMaxDevicePasswordFailed      = 0x16
	ProvMaxAttachmentSize            = 0x17
	ProvAllowSimpleDevicePassword    = 0x18
	ProvDevicePasswordExpiration     = 0x19
	ProvDevicePasswordHistory        = 0x1A
	ProvAllowStorageCard             = 0x1B
	ProvAllowCamera                  = 0x1C
	ProvRequireDeviceEncryption      = 0x1D
	ProvAllowWiFi                    = 0x21
	ProvAllowTextMessaging           = 0x22
	ProvAllowPOPIMAPEmail            = 0x23
	ProvAllowBluetooth               = 0x24
	ProvAllowIrDA                    = 0x25
	ProvRequireManualSyncWhenRoaming = 0x26
	ProvAllowDesktopSync             = 0x27
	ProvMaxCalendarAgeFilter         = 0x28
	ProvAllowHTMLEmail               = 0x29
	ProvMaxEmailAgeFilter            = 0x2A
	ProvMaxEmailBodyTruncationSize   = 0x2B
	ProvMaxEmailHTMLBodyTruncation   = 0x2C
	ProvAllowBrowser                 = 0x33
	ProvAllowConsumerEmail           = 0x34
	ProvAllowRemoteDesktop           = 0x35
	ProvAllowInternetSharing         = 0x36
)

// Ping (page 14).
const (
	PingPing              = 0x05
	PingStatus            = 0x07
	PingHeartbeatInterval = 0x08
	PingFolders           = 0x09
	PingFolder            = 0x0A
	PingId                = 0x0B
	PingClass             = 0x0C
	PingMaxFolders        = 0x0D
)

// Search (page 15).
const (
	SrchSearch   = 0x05
	SrchStore    = 0x07
	SrchName     = 0x08
	SrchQuery    = 0x09
	SrchOptions  = 0x0A
	SrchRange    = 0x0B
	SrchStatus   = 0x0C
	SrchResponse = 0x0D
	SrchResult   = 0x0E
	SrchTotal    = 0x10
)

// AirSyncBase (page 17).
const (
	ASBBodyPreference    = 0x05
	ASBType              = 0x06
	ASBTruncationSize    = 0x07
	ASBAllOrNone         = 0x08
	ASBBody              = 0x0A
	ASBData              = 0x0B
	ASBEstimatedDataSize = 0x0C
	ASBTruncated         = 0x0D
	ASBAttachments       = 0x0E
	ASBAttachment        = 0x0F
	ASBDisplayName       = 0x10
	ASBFileReference     = 0x11
	ASBMethod            = 0x12
	ASBContentId         = 0x13
	ASBContentLocation   = 0x14
	ASBIsInline          = 0x15
	ASBNativeBodyType    = 0x16
	ASBContentType       = 0x17
	ASBPreview           = 0x18
	ASBStatus            = 0x1B
)

// Settings (page 18).
const (
	SetSettings               = 0x05
	SetStatus                 = 0x06
	SetGet                    = 0x07
	SetSet                    = 0x08
	SetOof                    = 0x09
	SetOofState               = 0x0A
	SetStartTime              = 0x0B
	SetEndTime                = 0x0C
	SetOofMessage             = 0x0D
	SetAppliesToInternal      = 0x0E
	SetAppliesToExternalKnown = 0x0F
	SetAppliesToExternalUnk   = 0x10
	SetEnabled                = 0x11
	SetReplyMessage           = 0x12
	SetBodyType               = 0x13
	SetDevicePassword         = 0x14
	SetPassword               = 0x15
	SetDeviceInformation      = 0x16
	SetModel                  = 0x17
	SetIMEI                   = 0x18
	SetFriendlyName           = 0x19
	SetOS                     = 0x1A
	SetOSLanguage             = 0x1B
	SetPhoneNumber            = 0x1C
	SetUserInformation        = 0x1D
	SetEmailAddresses         = 0x1E
	SetSMTPAddress            = 0x1F
	SetUserAgent              = 0x20
	SetMobileOperator         = 0x22
)

// ItemOperations (page 20).
const (
	IOItemOperations      = 0x05
	IOFetch               = 0x06
	IOStore               = 0x07
	IOOptions             = 0x08
	IORange               = 0x09
	IOTotal               = 0x0A
	IOProperties          = 0x0B
	IOData                = 0x0C
	IOStatus              = 0x0D
	IOResponse            = 0x0E
	IOVersion             = 0x0F
	IOSchema              = 0x10
	IOPart                = 0x11
	IOEmptyFolderContents = 0x12
	IODeleteSubFolders    = 0x13
	IOMove                = 0x16
	IODstFldId            = 0x17
)

// ComposeMail (page 21).
const (
	CMSendMail        = 0x05
	CMSmartForward    = 0x06
	CMSmartReply      = 0x07
	CMSaveInSentItems = 0x08
	CMReplaceMime     = 0x09
	CMSource          = 0x0B
	CMFolderId        = 0x0C
	CMItemId          = 0x0D
	CMLongId          = 0x0E
	CMInstanceId      = 0x0F
	CMMime            = 0x10
	CMClientId        = 0x11
	CMStatus          = 0x12
	CMAccountId       = 0x13
)

// Tags resolves token names for debug dumps and test failures.
var Tags = wbxml.CodeSpace{
	PageAirSync: {
		ASSync: "Sync", ASResponses: "Responses", ASAdd: "Add",
		ASChange: "Change", ASDelete: "Delete", ASFetch: "Fetch",
		ASSyncKey: "SyncKey", ASClientId: "ClientId", ASServerId: "ServerId",
		ASStatus: "Status", ASCollection: "Collection", ASClass: "Class",
		ASCollectionId: "CollectionId", ASGetChanges: "GetChanges",
		ASMoreAvailable: "MoreAvailable", ASWindowSize: "WindowSize",
		ASCommands: "Commands", ASOptions: "Options", ASFilterType: "FilterType",
		ASConflict: "Conflict", ASCollections: "Collections",
		ASApplicationData: "ApplicationData", ASDeletesAsMoves: "DeletesAsMoves",
		ASSupported: "Supported", ASSoftDelete: "SoftDelete",
		ASMIMESupport: "MIMESupport", ASMIMETruncation: "MIMETruncation",
		ASWait: "Wait", ASLimit: "Limit", ASPartial: "Partial",
		ASConversationMode: "ConversationMode", ASMaxItems: "MaxItems",
		ASHeartbeatInterval: "HeartbeatInterval",
	},
	PageContacts: {},
	PageEmail: {
		EmDateReceived: "DateReceived", EmDisplayTo: "DisplayTo",
		EmImportance: "Importance", EmMessageClass: "MessageClass",
		EmSubject: "Subject", EmRead: "Read", EmTo: "To", EmCc: "Cc",
		EmFrom: "From", EmReplyTo: "ReplyTo", EmThreadTopic: "ThreadTopic",
		EmInternetCPID: "InternetCPID", EmFlag: "Flag",
		EmFlagStatus: "FlagStatus", EmContentClass: "ContentClass",
	},
	PageCalendar: {},
	PageMove: {
		MvMoveItems: "MoveItems", MvMove: "Move", MvSrcMsgId: "SrcMsgId",
		MvSrcFldId: "SrcFldId", MvDstFldId: "DstFldId",
		MvResponse: "Response", MvStatus: "Status", MvDstMsgId: "DstMsgId",
	},
	PageItemEstimate: {
		IEGetItemEstimate: "GetItemEstimate", IECollections: "Collections",
		IECollection: "Collection", IEClass: "Class",
		IECollectionId: "CollectionId", IEEstimate: "Estimate",
		IEResponse: "Response", IEStatus: "Status",
	},
	PageFolderHierarchy: {
		FHDisplayName: "DisplayName", FHServerId: "ServerId",
		FHParentId: "ParentId", FHType: "Type", FHStatus: "Status",
		FHChanges: "Changes", FHAdd: "Add", FHDelete: "Delete",
		FHUpdate: "Update", FHSyncKey: "SyncKey",
		FHFolderSync: "FolderSync", FHCount: "Count",
	},
	PageProvision: {
		ProvProvision: "Provision", ProvPolicies: "Policies",
		ProvPolicy: "Policy", ProvPolicyType: "PolicyType",
		ProvPolicyKey: "PolicyKey", ProvData: "Data", ProvStatus: "Status",
		ProvRemoteWipe: "RemoteWipe", ProvEASProvisionDoc: "EASProvisionDoc",
		ProvDevicePasswordEnabled: "DevicePasswordEnabled",
		ProvAttachmentsEnabled:    "AttachmentsEnabled",
		ProvMaxAttachmentSize:     "MaxAttachmentSize",
		ProvAllowStorageCard:      "AllowStorageCard",
		ProvAllowCamera:           "AllowCamera",
		ProvAllowWiFi:             "AllowWiFi",
		ProvAllowTextMessaging:    "AllowTextMessaging",
		ProvAllowPOPIMAPEmail:     "AllowPOPIMAPEmail",
		ProvAllowBluetooth:        "AllowBluetooth",
		ProvAllowIrDA:             "AllowIrDA",
		ProvRequireManualSyncWhenRoaming: "RequireManualSyncWhenRoaming",
		ProvAllowDesktopSync:             "AllowDesktopSync",
		ProvMaxCalendarAgeFilter:         "MaxCalendarAgeFilter",
		ProvAllowHTMLEmail:               "AllowHTMLEmail",
		ProvMaxEmailAgeFilter:            "MaxEmailAgeFilter",
		ProvAllowBrowser:                 "AllowBrowser",
		ProvAllowConsumerEmail:           "AllowConsumerEmail",
		ProvAllowInternetSharing:         "AllowInternetSharing",
	},
	PagePing: {
		PingPing: "Ping", PingStatus: "Status",
		PingHeartbeatInterval: "HeartbeatInterval", PingFolders: "Folders",
		PingFolder: "Folder", PingId: "Id", PingClass: "Class",
		PingMaxFolders: "MaxFolders",
	},
	PageSearch: {
		SrchSearch: "Search", SrchStore: "Store", SrchName: "Name",
		SrchQuery: "Query", SrchOptions: "Options", SrchRange: "Range",
		SrchStatus: "Status", SrchResponse: "Response",
		SrchResult: "Result", SrchTotal: "Total",
	},
	PageAirSyncBase: {
		ASBBodyPreference: "BodyPreference", ASBType: "Type",
		ASBTruncationSize: "TruncationSize", ASBAllOrNone: "AllOrNone",
		ASBBody: "Body", ASBData: "Data",
		ASBEstimatedDataSize: "EstimatedDataSize", ASBTruncated: "Truncated",
		ASBAttachments: "Attachments", ASBAttachment: "Attachment",
		ASBDisplayName: "DisplayName", ASBFileReference: "FileReference",
		ASBMethod: "Method", ASBContentId: "ContentId",
		ASBContentLocation: "ContentLocation", ASBIsInline: "IsInline",
		ASBNativeBodyType: "NativeBodyType", ASBContentType: "ContentType",
		ASBPreview: "Preview", ASBStatus: "Status",
	},
	PageSettings: {
		SetSettings: "Settings", SetStatus: "Status", SetGet: "Get",
		SetSet: "Set", SetOof: "Oof", SetOofState: "OofState",
		SetStartTime: "StartTime", SetEndTime: "EndTime",
		SetOofMessage: "OofMessage", SetAppliesToInternal: "AppliesToInternal",
		SetAppliesToExternalKnown: "AppliesToExternalKnown",
		SetAppliesToExternalUnk:   "AppliesToExternalUnknown",
		SetEnabled:                "Enabled", SetReplyMessage: "ReplyMessage",
		SetBodyType: "BodyType", SetDevicePassword: "DevicePassword",
		SetDeviceInformation: "DeviceInformation", SetModel: "Model",
		SetIMEI: "IMEI", SetFriendlyName: "FriendlyName", SetOS: "OS",
		SetOSLanguage: "OSLanguage", SetPhoneNumber: "PhoneNumber",
		SetUserInformation: "UserInformation",
		SetEmailAddresses:  "EmailAddresses", SetSMTPAddress: "SMTPAddress",
		SetUserAgent: "UserAgent", SetMobileOperator: "MobileOperator",
	},
	PageItemOperations: {
		IOItemOperations: "ItemOperations", IOFetch: "Fetch",
		IOStore: "Store", IOOptions: "Options", IORange: "Range",
		IOTotal: "Total", IOProperties: "Properties", IOData: "Data",
		IOStatus: "Status", IOResponse: "Response", IOVersion: "Version",
		IOSchema: "Schema", IOPart: "Part",
		IOEmptyFolderContents: "EmptyFolderContents",
		IODeleteSubFolders:    "DeleteSubFolders", IOMove: "Move",
		IODstFldId: "DstFldId",
	},
	PageComposeMail: {
		CMSendMail: "SendMail", CMSmartForward: "SmartForward",
		CMSmartReply: "SmartReply", CMSaveInSentItems: "SaveInSentItems",
		CMReplaceMime: "ReplaceMime", CMSource: "Source",
		CMFolderId: "FolderId", CMItemId: "ItemId", CMLongId: "LongId",
		CMInstanceId: "InstanceId", CMMime: "Mime", CMClientId: "ClientId",
		CMStatus: "Status", CMAccountId: "AccountId",
	},
}
